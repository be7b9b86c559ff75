// Package cache is the read-model cache used by query handlers. Writers
// invalidate entries explicitly after commit; entries also expire by TTL.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a bounded TTL cache keyed by entity ID. A nil *Cache is a valid
// disabled cache.
type Cache[V any] struct {
	lru *expirable.LRU[string, V]

	// gen advances on every invalidation so a load that raced a write can
	// tell its result is already stale.
	mu  sync.Mutex
	gen uint64
}

// New returns nil when size is not positive.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		return nil
	}
	return &Cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	return c.lru.Get(key)
}

func (c *Cache[V]) Put(key string, v V) {
	if c == nil {
		return
	}
	c.lru.Add(key, v)
}

// Generation is read before loading a value destined for PutIfCurrent.
func (c *Cache[V]) Generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// PutIfCurrent stores v only if nothing was invalidated since gen was read.
func (c *Cache[V]) PutIfCurrent(key string, v V, gen uint64) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lru.Add(key, v)
	return true
}

func (c *Cache[V]) Invalidate(keys ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

func (c *Cache[V]) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
