// Package configstream is a client SDK for a remote dynamic
// configuration service: it replicates a config store over a
// long-lived server push stream, evaluates per-call overrides against
// a three-valued condition evaluator, and supports snapshot/restore
// for hydrating new processes without a network round trip.
package configstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/configstream/internal/apierr"
	"github.com/vitaliisemenov/configstream/internal/configtype"
	"github.com/vitaliisemenov/configstream/internal/driver"
	"github.com/vitaliisemenov/configstream/internal/evaluator"
	"github.com/vitaliisemenov/configstream/internal/snapshot"
	"github.com/vitaliisemenov/configstream/internal/store"
)

// GetOptions customizes a single Get call.
type GetOptions struct {
	// Context is merged over the client-level context for this call
	// only; per-call entries win over client-level ones.
	Context configtype.Context
	// Default, if HasDefault is true, is returned instead of failing
	// with CodeNotFound when name is absent from the store.
	Default    any
	HasDefault bool
}

// Client is a handle onto a replicated config store. The zero value is
// not usable; construct one with New, Restore, or NewInMemory.
type Client struct {
	store     *store.Store
	evaluator *evaluator.Evaluator
	driver    *driver.Driver // nil for in-memory-only clients
	context   configtype.Context
	logger    *slog.Logger

	driverCancel context.CancelFunc
	driverDone   chan struct{}

	closeOnce sync.Once
}

// New creates a streaming Client: it seeds fallbacks, opens the
// replication driver, and blocks until the first server frame arrives
// or InitializationTimeout elapses.
func New(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.validateOptions(); err != nil {
		return nil, err
	}
	opts.Normalize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := store.New(logger)
	fallbacks := make([]configtype.Record, 0, len(opts.Fallbacks))
	for name, value := range opts.Fallbacks {
		fallbacks = append(fallbacks, configtype.Record{Name: name, Value: value})
	}
	st.Seed(fallbacks)

	c := &Client{
		store:     st,
		evaluator: evaluator.New(logger, evaluator.NewMetrics(opts.Registerer)),
		context:   opts.Context,
		logger:    logger.With("component", "configstream"),
	}

	latch := make(chan struct{})
	var latchOnce sync.Once
	resolveLatch := func() { latchOnce.Do(func() { close(latch) }) }

	errCh := make(chan error, 1)
	reportError := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	d := driver.New(driver.Options{
		BaseURL:           opts.BaseURL,
		SDKKey:            opts.SDKKey,
		Agent:             opts.Agent,
		RequestTimeout:    opts.RequestTimeout,
		InactivityTimeout: opts.InactivityTimeout,
		RetryDelay:        opts.RetryDelay,
		RequiredKeys:      opts.Required,
		HTTPClient:        opts.HTTPClient,
		Logger:            logger,
		Metrics:           driver.NewMetrics(opts.Registerer),
		OnFirstEvent:      resolveLatch,
		OnError:           reportError,
	}, st)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(runCtx)
	}()

	c.driver = d
	c.driverCancel = cancel
	c.driverDone = done

	timer := time.NewTimer(opts.InitializationTimeout)
	defer timer.Stop()

	for {
		select {
		case <-latch:
			return c, nil
		case <-timer.C:
			if len(fallbacks) == 0 {
				c.Close()
				return nil, apierr.New(apierr.Timeout, "no response within initialization timeout and no fallbacks configured")
			}
			if missing := st.Has(opts.Required); len(missing) > 0 {
				c.Close()
				return nil, apierr.New(apierr.NotFound, fmt.Sprintf("required configs missing after initialization timeout: %v", missing))
			}
			return c, nil
		case <-ctx.Done():
			c.Close()
			return nil, apierr.Wrap(apierr.Closed, "client creation cancelled", ctx.Err())
		case err := <-errCh:
			if isDefinitiveInitError(err) {
				c.Close()
				return nil, err
			}
			// Transient (network/timeout/unknown) failure: keep waiting
			// for either a later successful frame or the initialization
			// timeout, per the retry-during-init behavior in the spec.
		}
	}
}

// isDefinitiveInitError reports whether a connection failure during
// initialization is non-recoverable and should abort create
// immediately rather than waiting out the initialization timeout.
func isDefinitiveInitError(err error) bool {
	return apierr.Is(err, apierr.AuthError) ||
		apierr.Is(err, apierr.Forbidden) ||
		apierr.Is(err, apierr.ServerError) ||
		apierr.Is(err, apierr.ClientError)
}

// Restore hydrates a Client from a previously captured snapshot. If
// opts.Connection is non-nil, the replication driver is started in the
// background for live continuation; the handle is returned immediately
// and is usable synchronously with the restored values regardless.
func Restore(opts RestoreOptions) (*Client, error) {
	snap, err := snapshot.Parse(opts.Snapshot)
	if err != nil {
		return nil, err
	}

	mergedContext := snap.Context.Merge(opts.Context)

	logger := slog.Default()
	if opts.Connection != nil && opts.Connection.Logger != nil {
		logger = opts.Connection.Logger
	}

	st := store.New(logger)
	st.Seed(snap.Records)

	c := &Client{
		store:     st,
		evaluator: evaluator.New(logger, nil),
		context:   mergedContext,
		logger:    logger.With("component", "configstream"),
	}

	if opts.Connection == nil {
		return c, nil
	}

	connOpts := *opts.Connection
	if err := connOpts.validateOptions(); err != nil {
		return nil, err
	}
	connOpts.Normalize()

	d := driver.New(driver.Options{
		BaseURL:           connOpts.BaseURL,
		SDKKey:            connOpts.SDKKey,
		Agent:             connOpts.Agent,
		RequestTimeout:    connOpts.RequestTimeout,
		InactivityTimeout: connOpts.InactivityTimeout,
		RetryDelay:        connOpts.RetryDelay,
		RequiredKeys:      connOpts.Required,
		HTTPClient:        connOpts.HTTPClient,
		Logger:            logger,
		Metrics:           driver.NewMetrics(connOpts.Registerer),
	}, st)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(runCtx)
	}()

	c.driver = d
	c.driverCancel = cancel
	c.driverDone = done

	return c, nil
}

// NewInMemory creates a Client backed by a literal map, with no
// network activity: all operations are synchronous, Close is a no-op,
// and stream events never arrive.
func NewInMemory(values map[string]any, ctx configtype.Context) *Client {
	st := store.New(nil)
	records := make([]configtype.Record, 0, len(values))
	for name, value := range values {
		records = append(records, configtype.Record{Name: name, Value: value})
	}
	st.Seed(records)

	return &Client{
		store:     st,
		evaluator: evaluator.New(nil, nil),
		context:   ctx,
	}
}

// Get resolves name against the merged client/call context. If name is
// absent from the store, it returns opts.Default when opts.HasDefault
// is true, otherwise a CodeNotFound error.
func (c *Client) Get(name string, opts GetOptions) (any, error) {
	record, ok := c.store.Get(name)
	if !ok {
		if opts.HasDefault {
			return opts.Default, nil
		}
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("config %q not found", name))
	}

	merged := c.context.Merge(opts.Context)
	return c.evaluator.Resolve(record.Value, record.Overrides, merged), nil
}

// Subscribe registers cb to be invoked on every change to any config.
// The returned func unregisters cb; it is idempotent.
func (c *Client) Subscribe(cb func(name string, value any)) func() {
	return c.store.SubscribeGlobal(func(e store.ChangeEvent) { cb(e.Name, e.Value) })
}

// SubscribeKey registers cb to be invoked only on changes to name. The
// returned func unregisters cb; it is idempotent.
func (c *Client) SubscribeKey(name string, cb func(value any)) func() {
	return c.store.SubscribeKey(name, func(e store.ChangeEvent) { cb(e.Value) })
}

// GetSnapshot captures the current store and context as a Snapshot.
func (c *Client) GetSnapshot() snapshot.Snapshot {
	return snapshot.New(c.store.Snapshot(), c.context, time.Now())
}

// Close aborts the replication driver, if any, and releases resources.
// Idempotent. Cached values remain readable afterward; no further
// updates will arrive.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.driver != nil {
			c.driverCancel()
			<-c.driverDone
		}
	})
	return nil
}
