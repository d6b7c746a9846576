package cache

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Package cache provides in-process TTL caches grouped by module name.
// Cross-replica consistency comes from eviction events: when shared state
// changes, an evict event names a module and every replica purges the caches
// registered under that module.

// TTLCache is a bounded TTL cache. When the entry count exceeds capacity the
// whole cache is flushed; entries are cheap to rebuild from their source.
type TTLCache struct {
	inner    *gocache.Cache
	capacity int
}

var (
	mu       sync.Mutex
	registry = map[string][]*TTLCache{}
)

// New creates a cache and registers it under module for eviction.
func New(module string, ttl time.Duration, capacity int) *TTLCache {
	c := &TTLCache{
		inner:    gocache.New(ttl, ttl),
		capacity: capacity,
	}
	mu.Lock()
	registry[module] = append(registry[module], c)
	mu.Unlock()
	return c
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func (c *TTLCache) Get(key string) (any, bool) {
	return c.inner.Get(key)
}

// Set stores a value under the cache's default TTL.
func (c *TTLCache) Set(key string, value any) {
	if c.capacity > 0 && c.inner.ItemCount() >= c.capacity {
		c.inner.Flush()
	}
	c.inner.SetDefault(key, value)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *TTLCache) SetWithTTL(key string, value any, ttl time.Duration) {
	if c.capacity > 0 && c.inner.ItemCount() >= c.capacity {
		c.inner.Flush()
	}
	c.inner.Set(key, value, ttl)
}

func (c *TTLCache) Delete(key string) {
	c.inner.Delete(key)
}

// Purge drops every entry.
func (c *TTLCache) Purge() {
	c.inner.Flush()
}

// EvictModule purges every cache registered under module.
// Unknown module names are ignored.
func EvictModule(module string) {
	mu.Lock()
	caches := registry[module]
	mu.Unlock()
	for _, c := range caches {
		c.Purge()
	}
}

// EvictKey removes one keyed entry from every cache registered under module.
func EvictKey(module, key string) {
	mu.Lock()
	caches := registry[module]
	mu.Unlock()
	for _, c := range caches {
		c.Delete(key)
	}
}
