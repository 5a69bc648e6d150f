// Package snapshotcache provides a server-side coalescing cache of
// streaming configstream clients, keyed by (baseURL, sdkKey): server
// environments that need a one-shot snapshot to embed in rendered
// output can call Get instead of keeping a dedicated long-lived client
// around per request.
package snapshotcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaliisemenov/configstream"
	"github.com/vitaliisemenov/configstream/internal/apierr"
	"github.com/vitaliisemenov/configstream/internal/snapshot"
)

const defaultCapacity = 256

// Cache is an explicit, instantiable replacement for a module-scope
// cache: tests and multi-tenant hosts each get their own isolated
// instance rather than sharing ambient process state.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
}

type entry struct {
	mu       sync.Mutex
	client   *configstream.Client
	pending  chan struct{} // closed once client (or err) is resolved
	err      error
	keepAlive time.Duration
	timer    *time.Timer
}

// New creates an empty Cache. capacity bounds the number of distinct
// (baseURL, sdkKey) pairs held at once; entries beyond it are evicted
// LRU-first alongside their normal TTL expiry. capacity <= 0 uses a
// sensible default.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c := &Cache{}
	entries, _ := lru.NewWithEvict(capacity, func(_ string, e *entry) {
		c.evict(e)
	})
	c.entries = entries
	return c
}

func cacheKey(baseURL, sdkKey string) string {
	return fmt.Sprintf("%s\x00%s", baseURL, sdkKey)
}

// Get returns a snapshot for the given options, creating and caching a
// streaming client on a miss. Concurrent callers for the same key
// coalesce onto a single client creation; only the first pays the
// connection cost.
func (c *Cache) Get(ctx context.Context, opts configstream.SnapshotCacheOptions) (snapshot.Snapshot, error) {
	opts.Normalize()
	key := cacheKey(opts.BaseURL, opts.SDKKey)

	c.mu.Lock()
	e, ok := c.entries.Get(key)
	if !ok {
		e = &entry{pending: make(chan struct{}), keepAlive: opts.KeepAlive}
		c.entries.Add(key, e)
		c.mu.Unlock()

		go c.populate(e, opts)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-e.pending:
	case <-ctx.Done():
		return snapshot.Snapshot{}, apierr.Wrap(apierr.Timeout, "snapshot cache wait cancelled", ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return snapshot.Snapshot{}, e.err
	}

	e.resetTTL(key, c)
	return e.client.GetSnapshot(), nil
}

// populate performs the actual client construction for a cache miss and
// resolves e.pending exactly once. On failure the entry is evicted so
// the next caller retries instead of reusing a failed result.
func (c *Cache) populate(e *entry, opts configstream.SnapshotCacheOptions) {
	client, err := configstream.New(context.Background(), opts.Options)

	e.mu.Lock()
	if err != nil {
		e.err = err
	} else {
		e.client = client
		e.armTTL(cacheKey(opts.BaseURL, opts.SDKKey), c)
	}
	e.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.entries.Remove(cacheKey(opts.BaseURL, opts.SDKKey))
		c.mu.Unlock()
	}
	close(e.pending)
}

// armTTL starts the sliding-expiry timer. Must be called with e.mu held.
func (e *entry) armTTL(key string, c *Cache) {
	e.timer = time.AfterFunc(e.keepAlive, func() {
		c.mu.Lock()
		c.entries.Remove(key)
		c.mu.Unlock()
	})
}

// resetTTL slides the expiry forward on a cache hit. Must be called
// with e.mu held.
func (e *entry) resetTTL(key string, c *Cache) {
	if e.timer != nil {
		e.timer.Reset(e.keepAlive)
	}
}

// evict closes the cached client, if any, when an entry leaves the
// cache (TTL expiry, capacity eviction, or failure cleanup).
func (c *Cache) evict(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.client != nil {
		e.client.Close()
	}
}

// Clear closes every cached client and empties the cache. Safe to call
// repeatedly or on an empty cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok {
			c.evict(e)
		}
	}
	c.entries.Purge()
}
