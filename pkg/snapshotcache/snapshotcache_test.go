package snapshotcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/configstream"
)

func testServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"type":"init","configs":[{"name":"flag-a","value":"on"}]}` + "\n\n"))
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetCreatesOnMissAndHitsAfterward(t *testing.T) {
	srv := testServer(t)
	c := New(0)
	t.Cleanup(c.Clear)

	opts := configstream.SnapshotCacheOptions{
		Options: configstream.Options{
			SDKKey:                "k",
			BaseURL:               srv.URL,
			InitializationTimeout: time.Second,
		},
		KeepAlive: time.Minute,
	}

	snap, err := c.Get(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "on", snap.Records[0].Value)

	snap2, err := c.Get(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, snap.Records, snap2.Records)
}

func TestConcurrentMissesCoalesceToOneClient(t *testing.T) {
	var connects int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connects, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"type":"init","configs":[{"name":"flag-a","value":"on"}]}` + "\n\n"))
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := New(0)
	t.Cleanup(c.Clear)

	opts := configstream.SnapshotCacheOptions{
		Options: configstream.Options{
			SDKKey:                "k",
			BaseURL:               srv.URL,
			InitializationTimeout: time.Second,
		},
		KeepAlive: time.Minute,
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Get(context.Background(), opts)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&connects))
}

func TestFailedCreationIsNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := New(0)
	t.Cleanup(c.Clear)

	opts := configstream.SnapshotCacheOptions{
		Options: configstream.Options{
			SDKKey:                "k",
			BaseURL:               srv.URL,
			InitializationTimeout: 200 * time.Millisecond,
		},
		KeepAlive: time.Minute,
	}

	_, err := c.Get(context.Background(), opts)
	require.Error(t, err)

	assert.Equal(t, 0, c.entries.Len())
}

func TestClearClosesAllAndEmpties(t *testing.T) {
	srv := testServer(t)
	c := New(0)

	opts := configstream.SnapshotCacheOptions{
		Options: configstream.Options{
			SDKKey:                "k",
			BaseURL:               srv.URL,
			InitializationTimeout: time.Second,
		},
		KeepAlive: time.Minute,
	}

	_, err := c.Get(context.Background(), opts)
	require.NoError(t, err)

	c.Clear()
	assert.Equal(t, 0, c.entries.Len())

	c.Clear() // idempotent
}
