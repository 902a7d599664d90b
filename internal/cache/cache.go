// Package cache provides a small keyed TTL cache with single-flight
// computation, used to absorb bursts of identical read queries.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	err       error
	expiresAt time.Time
	ready     chan struct{}
}

// Cache memoizes computed values per key for a TTL. Concurrent callers
// of the same key share one computation instead of stampeding.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// LoadOrCompute returns the cached value for key, computing it with fn
// when missing or expired. While one goroutine computes, others block
// on the same result. A computation error is returned to every waiter
// but not cached.
func (c *Cache) LoadOrCompute(key string, ttl time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		select {
		case <-e.ready:
			if e.err == nil && c.now().Before(e.expiresAt) {
				c.mu.Unlock()
				return e.value, nil
			}
			// expired or failed, fall through and recompute
		default:
			// in flight, wait for it
			c.mu.Unlock()
			<-e.ready
			return e.value, e.err
		}
	}

	e := &entry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.value, e.err = fn()
	e.expiresAt = c.now().Add(ttl)
	close(e.ready)

	if e.err != nil {
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	return e.value, e.err
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}
