// Package transport opens and frames the replication event-stream: a
// single HTTP request guarded by a connect-phase timeout, validated
// against the documented status/content-type rules, and decoded into
// Frame values. It has no notion of reconnection or inactivity —
// that belongs to the driver package one layer up.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitaliisemenov/configstream/internal/apierr"
)

const replicationPath = "/api/sdk/v1/replication/stream"

// Options configures a Transport. Grounded on
// internal/business/publishing/health_checker.go's context-aware HTTP
// call shape, generalized from a one-shot GET to a streamed POST.
type Options struct {
	BaseURL        string
	SDKKey         string
	Agent          string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Transport issues replication stream connections.
type Transport struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Transport. A nil logger falls back to slog.Default().
func New(opts Options, logger *slog.Logger) *Transport {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{opts: opts, logger: logger.With("component", "transport")}
}

// Stream is an open, framed connection. Frames() yields parsed frames
// until the stream ends; Err() reports the terminal error once Frames()
// closes: nil when the peer closes the body after at least one frame,
// an Unknown-coded error when the body ended without any frame.
type Stream struct {
	frames chan Frame

	mu  sync.Mutex
	err error
}

func (s *Stream) Frames() <-chan Frame { return s.frames }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Connect opens the replication stream. onConnect, if non-nil, is
// invoked exactly once the response has arrived with a successful
// status — the driver uses it to reset its backoff attempt counter.
//
// The returned cancel func aborts both the connect-phase wait and, if
// the connection succeeded, the in-flight body read; it must be called
// exactly once by the caller when the stream is no longer wanted.
//
// Connect blocks until the initial response arrives (or the connect
// timeout/parent context fires); once that returns without error, frame
// decoding runs in a background goroutine and Connect has already
// returned.
func (t *Transport) Connect(ctx context.Context, body []byte, onConnect func()) (*Stream, context.CancelFunc, error) {
	connectCtx, cancel := context.WithCancel(ctx)

	var timerFired atomic.Bool
	timer := time.AfterFunc(t.opts.RequestTimeout, func() {
		timerFired.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(connectCtx, http.MethodPost, strings.TrimRight(t.opts.BaseURL, "/")+replicationPath, bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, func() {}, apierr.Wrap(apierr.Unknown, "failed to build replication request", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.opts.SDKKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if t.opts.Agent != "" {
		req.Header.Set("User-Agent", t.opts.Agent)
	}

	resp, err := t.opts.HTTPClient.Do(req)
	stopped := timer.Stop()
	if err != nil {
		if !stopped && timerFired.Load() && ctx.Err() == nil {
			cancel()
			return nil, func() {}, apierr.New(apierr.Timeout, "no response within request timeout")
		}
		cancel()
		if ctx.Err() != nil {
			return nil, func() {}, apierr.Wrap(apierr.Closed, "connection cancelled", ctx.Err())
		}
		return nil, func() {}, apierr.Wrap(apierr.NetworkError, "replication request failed", err)
	}

	if code := classifyResponse(resp); code != "" {
		resp.Body.Close()
		cancel()
		return nil, func() {}, apierr.New(code, fmt.Sprintf("replication stream rejected with status %d", resp.StatusCode))
	}

	if onConnect != nil {
		onConnect()
	}

	stream := &Stream{frames: make(chan Frame, 16)}
	go t.pump(resp.Body, stream)

	return stream, cancel, nil
}

// classifyResponse returns the apierr.Code the response maps to, or
// the empty Code if the response is acceptable (200 text/event-stream).
func classifyResponse(resp *http.Response) apierr.Code {
	if resp.StatusCode >= 400 {
		return apierr.StatusToCode(resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		return apierr.ServerError
	}
	return ""
}

// pump reads framed events from body until EOF, cancellation, or a
// read error, emitting each onto stream.frames.
func (t *Transport) pump(body io.ReadCloser, stream *Stream) {
	defer close(stream.frames)
	defer body.Close()

	scanner := newFrameScanner(body)
	sawAnyBytes := false

	for scanner.Scan() {
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		sawAnyBytes = true
		stream.frames <- parseFrame(raw)
	}

	if err := scanner.Err(); err != nil {
		stream.setErr(apierr.Wrap(apierr.NetworkError, "replication stream read failed", err))
		return
	}
	if !sawAnyBytes {
		stream.setErr(apierr.New(apierr.Unknown, "replication stream closed with empty body"))
	}
}
