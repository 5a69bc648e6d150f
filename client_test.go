package configstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFallbackAndOverride exercises scenario S1: a server that never
// responds, a fallback value, and a short initialization timeout.
func TestFallbackAndOverride(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	c, err := New(context.Background(), Options{
		SDKKey:                "k",
		BaseURL:               srv.URL,
		InitializationTimeout: 50 * time.Millisecond,
		RequestTimeout:        time.Second,
		Required:              []string{"feature"},
		Fallbacks:             map[string]any{"feature": "off"},
	})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Get("feature", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "off", v)
}

// TestGetNotFoundWithoutDefault verifies the not_found contract.
func TestGetNotFoundWithoutDefault(t *testing.T) {
	c := NewInMemory(map[string]any{"a": "1"}, nil)
	defer c.Close()

	_, err := c.Get("missing", GetOptions{})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound))

	v, err := c.Get("missing", GetOptions{Default: "fallback", HasDefault: true})
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

// TestLiveUpdateNotifiesSubscribers exercises scenario S4.
func TestLiveUpdateNotifiesSubscribers(t *testing.T) {
	var mu sync.Mutex
	sentChange := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"type":"init","configs":[{"name":"config1","value":"initial"}]}` + "\n\n"))
		flusher, _ := w.(http.Flusher)
		flusher.Flush()

		for {
			mu.Lock()
			send := !sentChange
			mu.Unlock()
			if send {
				time.Sleep(20 * time.Millisecond)
				w.Write([]byte(`data: {"type":"config_change","config":{"name":"config1","value":"updated"}}` + "\n\n"))
				flusher.Flush()
				mu.Lock()
				sentChange = true
				mu.Unlock()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	c, err := New(context.Background(), Options{
		SDKKey:                "k",
		BaseURL:               srv.URL,
		InitializationTimeout: time.Second,
		RequestTimeout:        time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Get("config1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "initial", v)

	var notifications []string
	var notifyMu sync.Mutex
	unsub := c.Subscribe(func(name string, value any) {
		notifyMu.Lock()
		notifications = append(notifications, name)
		notifyMu.Unlock()
	})
	defer unsub()

	require.Eventually(t, func() bool {
		v, err := c.Get("config1", GetOptions{})
		return err == nil && v == "updated"
	}, 2*time.Second, 10*time.Millisecond)

	notifyMu.Lock()
	defer notifyMu.Unlock()
	assert.Equal(t, []string{"config1"}, notifications)
}

// TestSnapshotRoundTrip exercises scenario S6 (restore without a
// connection): every name from the snapshot is readable synchronously
// and matches the original client's Get result.
func TestSnapshotRoundTrip(t *testing.T) {
	original := NewInMemory(map[string]any{"a": "1", "b": "2"}, nil)
	defer original.Close()

	snap := original.GetSnapshot()
	b, err := snap.Marshal()
	require.NoError(t, err)

	restored, err := Restore(RestoreOptions{Snapshot: b})
	require.NoError(t, err)
	defer restored.Close()

	for _, name := range []string{"a", "b"} {
		want, err := original.Get(name, GetOptions{})
		require.NoError(t, err)
		got, err := restored.Get(name, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

// TestCreateFailsWithAuthErrorImmediately verifies that a definitive
// rejection response aborts create without waiting out the full
// initialization timeout.
func TestCreateFailsWithAuthErrorImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := New(context.Background(), Options{
		SDKKey:                "k",
		BaseURL:               srv.URL,
		InitializationTimeout: 5 * time.Second,
		RequestTimeout:        time.Second,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuthError))
	assert.Less(t, elapsed, 2*time.Second)
}

// TestConstructionFailsOnEmptySDKKey checks that options validation
// rejects an empty SDK key before any connection is attempted.
func TestConstructionFailsOnEmptySDKKey(t *testing.T) {
	_, err := New(context.Background(), Options{BaseURL: "http://example.invalid"})
	require.Error(t, err)
}

// TestCloseIsIdempotent ensures Close can be called repeatedly without
// panicking, including for an in-memory client.
func TestCloseIsIdempotent(t *testing.T) {
	c := NewInMemory(map[string]any{"a": "1"}, nil)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
