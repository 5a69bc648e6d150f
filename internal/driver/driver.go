// Package driver implements the replication driver: it wraps the
// event-stream transport with reconnect/backoff, an inactivity
// watchdog, and replay-body construction, and turns parsed frames into
// store mutations.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/configstream/internal/apierr"
	"github.com/vitaliisemenov/configstream/internal/configtype"
	"github.com/vitaliisemenov/configstream/internal/transport"
	"github.com/vitaliisemenov/configstream/pkg/logger"
)

// ConfigStore is the subset of the store the driver mutates and reads
// to build a replay body. Satisfied by *store.Store.
type ConfigStore interface {
	ApplyInit(records []configtype.Record)
	ApplyChange(record configtype.Record)
	Snapshot() []configtype.Record
}

// Options configures a Driver.
type Options struct {
	BaseURL           string
	SDKKey            string
	Agent             string
	RequestTimeout    time.Duration
	InactivityTimeout time.Duration
	RetryDelay        time.Duration
	RequiredKeys      []string
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *Metrics

	// OnFirstEvent is invoked exactly once, after the first frame (data
	// or comment) received over the stream has been applied to the
	// store — the client core uses it to resolve the initialization
	// latch.
	OnFirstEvent func()

	// OnError is invoked, if non-nil, after every failed connection
	// attempt (including the very first), before the loop sleeps for
	// backoff. The client core uses this during initialization to
	// distinguish a definitive rejection (auth/forbidden/server/client
	// error) from a transient failure it should keep waiting through.
	OnError func(err error)
}

// replayBody is the request body sent on every (re)connection, per the
// wire protocol in spec §6.
type replayBody struct {
	CurrentConfigs  []configtype.Record `json:"currentConfigs"`
	RequiredConfigs []string            `json:"requiredConfigs"`
}

// streamEvent is the JSON envelope of a data frame's payload.
type streamEvent struct {
	Type    string              `json:"type"`
	Configs []configtype.Record `json:"configs"`
	Config  *configtype.Record  `json:"config"`
}

// Driver runs the reconnect loop described in spec §4.4.
type Driver struct {
	opts      Options
	store     ConfigStore
	transport *transport.Transport
	logger    *slog.Logger
	limiter   *rate.Limiter

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}

	firstEventOnce sync.Once
}

// New creates a Driver bound to store.
func New(opts Options, store ConfigStore) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tr := transport.New(transport.Options{
		BaseURL:        opts.BaseURL,
		SDKKey:         opts.SDKKey,
		Agent:          opts.Agent,
		RequestTimeout: opts.RequestTimeout,
		HTTPClient:     opts.HTTPClient,
	}, opts.Logger)

	return &Driver{
		opts:      opts,
		store:     store,
		transport: tr,
		logger:    opts.Logger.With("component", "driver"),
		// Reconnect rate is capped well above the backoff ceiling, as a
		// belt-and-suspenders guard rather than the primary throttle —
		// grounded on internal/api/middleware/rate_limit.go's
		// per-client token bucket, repurposed here to cap total
		// reconnect attempts per minute regardless of how quickly a
		// flapping network lets individual attempts fail.
		limiter: rate.NewLimiter(rate.Limit(30.0/60.0), 5),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the reconnect loop until Close is called or ctx is
// cancelled. It does not return until the loop has fully unwound.
func (d *Driver) Run(ctx context.Context) {
	defer close(d.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attemptCtx := logger.WithRequestID(ctx, logger.GenerateRequestID())
		err := d.connectOnce(attemptCtx, func() { attempts = 0 })
		if ctx.Err() != nil {
			return
		}

		if d.opts.OnError != nil {
			d.opts.OnError(err)
		}

		attempts++
		if d.opts.Metrics != nil {
			d.opts.Metrics.ReconnectTotal.Inc()
			if code := codeOf(err); code != "" {
				d.opts.Metrics.ErrorsTotal.WithLabelValues(string(code)).Inc()
			}
		}
		d.logger.Warn("replication stream disconnected, reconnecting", "attempt", attempts, "error", err)

		delay := nextBackoff(d.opts.RetryDelay, attempts)
		if d.opts.Metrics != nil {
			d.opts.Metrics.BackoffSeconds.Observe(delay.Seconds())
		}
		if err := d.limiter.WaitN(ctx, 1); err != nil && ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce performs a single connection attempt: build the replay
// body, open the stream, dispatch frames, and run the inactivity
// watchdog. It returns once the stream ends, reporting why.
func (d *Driver) connectOnce(ctx context.Context, onConnect func()) error {
	attemptLogger := logger.FromContext(ctx, d.logger)

	body, err := json.Marshal(replayBody{
		CurrentConfigs:  d.store.Snapshot(),
		RequiredConfigs: d.opts.RequiredKeys,
	})
	if err != nil {
		return apierr.Wrap(apierr.Unknown, "failed to encode replay body", err)
	}

	stream, cancel, err := d.transport.Connect(ctx, body, onConnect)
	if err != nil {
		return err
	}
	defer cancel()

	inactivity := time.NewTimer(d.opts.InactivityTimeout)
	defer inactivity.Stop()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-inactivity.C:
			attemptLogger.Warn("inactivity watchdog expired, aborting connection")
			cancel()
		case <-watchdogDone:
		}
	}()

	for frame := range stream.Frames() {
		if !inactivity.Stop() {
			select {
			case <-inactivity.C:
			default:
			}
		}
		inactivity.Reset(d.opts.InactivityTimeout)

		if frame.Comment {
			if d.opts.Metrics != nil {
				d.opts.Metrics.FramesTotal.WithLabelValues("comment").Inc()
			}
		} else {
			if d.opts.Metrics != nil {
				d.opts.Metrics.FramesTotal.WithLabelValues("data").Inc()
			}
			d.dispatch(frame.Data)
		}

		d.firstEventOnce.Do(func() {
			if d.opts.OnFirstEvent != nil {
				d.opts.OnFirstEvent()
			}
		})
	}

	return stream.Err()
}

// dispatch decodes one data frame's JSON payload and applies it to the
// store. Unknown event types are ignored for forward compatibility;
// malformed JSON is logged and dropped rather than aborting the
// connection.
func (d *Driver) dispatch(payload string) {
	var ev streamEvent
	if err := json.NewDecoder(bytes.NewReader([]byte(payload))).Decode(&ev); err != nil {
		d.logger.Error("failed to decode replication event", "error", err)
		return
	}

	switch ev.Type {
	case "init":
		d.store.ApplyInit(ev.Configs)
	case "config_change":
		if ev.Config != nil {
			d.store.ApplyChange(*ev.Config)
		}
	default:
		d.logger.Debug("ignoring unrecognized replication event type", "type", ev.Type)
	}
}

// Close aborts the reconnect loop and waits for it to fully unwind.
// Idempotent.
func (d *Driver) Close() {
	d.closeOnce.Do(func() { close(d.closeCh) })
	<-d.done
}

func codeOf(err error) apierr.Code {
	var e *apierr.Error
	if ok := asAPIErr(err, &e); ok {
		return e.Code
	}
	return ""
}

func asAPIErr(err error, target **apierr.Error) bool {
	for err != nil {
		if ae, ok := err.(*apierr.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
