// Package cache provides the telemetry cache: a TTL plus capacity bounded
// in-memory map memoizing expensive provider lookups (connection probes,
// metric fetches, command results).
//
// Eviction policy: Put first sweeps entries whose TTL has elapsed; if the
// cache is still at capacity it evicts one arbitrary entry (Go map iteration
// order). There is no background sweeper; expired entries are reclaimed
// lazily on Get and on the pre-insert sweep.
package cache

import (
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/metrics"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL+capacity bounded cache. Safe for concurrent use.
type Cache[V any] struct {
	mu         sync.RWMutex
	items      map[string]entry[V]
	maxEntries int
	defaultTTL time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// New returns a cache holding at most maxEntries values. defaultTTL applies
// when Put is called with ttl <= 0.
func New[V any](maxEntries int, defaultTTL time.Duration) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache[V]{
		items:      make(map[string]entry[V]),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the cached value when present and not expired. An expired
// entry is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		metrics.CacheHits.Inc()
		return e.value, true
	}
	if ok {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have refreshed it.
		if cur, still := c.items[key]; still && !c.now().Before(cur.expiresAt) {
			delete(c.items, key)
			metrics.CacheEvictions.WithLabelValues("expired").Inc()
		}
		c.mu.Unlock()
	}
	metrics.CacheMisses.Inc()
	var zero V
	return zero, false
}

// Put stores value under key for ttl (the default TTL when ttl <= 0).
// At capacity it sweeps expired entries first and only then evicts an
// arbitrary live entry, so stale data goes before useful data.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.sweepExpiredLocked()
		if len(c.items) >= c.maxEntries {
			for k := range c.items {
				delete(c.items, k)
				metrics.CacheEvictions.WithLabelValues("capacity").Inc()
				break
			}
		}
	}

	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len reports the number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Flush drops every entry.
func (c *Cache[V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry[V])
}

func (c *Cache[V]) sweepExpiredLocked() {
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			metrics.CacheEvictions.WithLabelValues("expired").Inc()
		}
	}
}
