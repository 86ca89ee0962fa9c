// Package cache is a small in-memory TTL cache. The DoH forwarder keeps wire
// responses in it keyed by question.
package cache

import (
	"sync"
	"time"
)

// Cache maps string keys to values that expire after a duration.
type Cache[V any] struct {
	data     map[string]item[V]
	duration time.Duration
	limit    int
	mutex    sync.RWMutex
	now      func() time.Time
}

type item[V any] struct {
	value      V
	expiration time.Time
}

// New creates a cache whose entries live for duration unless Set is given
// another one. When limit is positive, Set prunes expired entries once the
// cache holds that many.
func New[V any](duration time.Duration, limit int) *Cache[V] {
	return &Cache[V]{
		data:     make(map[string]item[V]),
		duration: duration,
		limit:    limit,
		now:      time.Now,
	}
}

// Set adds or updates a value with an optional duration.
func (c *Cache[V]) Set(key string, value V, durations ...time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	duration := c.duration
	if len(durations) > 0 {
		duration = durations[0]
	}

	now := c.now()
	if c.limit > 0 && len(c.data) >= c.limit {
		c.prune(now)
	}
	c.data[key] = item[V]{value: value, expiration: now.Add(duration)}
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (value V, exists bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	it, found := c.data[key]
	if !found || !it.expiration.After(c.now()) {
		return value, false
	}
	return it.value, true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mutex.Lock()
	delete(c.data, key)
	c.mutex.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// prune drops expired entries. If none were expired the oldest half goes
// instead so the map stays bounded.
func (c *Cache[V]) prune(now time.Time) {
	for k, it := range c.data {
		if !it.expiration.After(now) {
			delete(c.data, k)
		}
	}
	if len(c.data) < c.limit {
		return
	}
	drop := len(c.data) / 2
	for k := range c.data {
		if drop == 0 {
			break
		}
		delete(c.data, k)
		drop--
	}
}
