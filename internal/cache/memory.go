// Package cache provides the Router's bookkeeping cache: in-process,
// Redis-backed, and dual-tier implementations of pkg/cache.Cache.
package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/llmux/pkg/cache"
)

// MemoryCache is the local tier: an in-process TTL-expiring store backed
// by go-cache's own sweep goroutine. go-cache's Increment only operates
// on an existing key, so Incr below layers create-if-absent on top with
// a per-key stripe of mutexes to keep read-modify-write atomic.
type MemoryCache struct {
	store *gocache.Cache

	incrMu [256]sync.Mutex
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// MemoryConfig configures the local tier.
type MemoryConfig struct {
	DefaultTTL      time.Duration // default item TTL (default: 10 minutes)
	CleanupInterval time.Duration // go-cache janitor interval (default: 1 minute)
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(cfg MemoryConfig) *MemoryCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &MemoryCache{
		store: gocache.New(cfg.DefaultTTL, cfg.CleanupInterval),
	}
}

func (c *MemoryCache) stripe(key string) *sync.Mutex {
	h := fnv32(key)
	return &c.incrMu[h%uint32(len(c.incrMu))]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := c.store.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	b, _ := v.([]byte)
	c.hits.Add(1)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Set stores a value in the cache.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	exp := gocache.DefaultExpiration
	if ttl > 0 {
		exp = ttl
	}
	c.store.Set(key, cp, exp)
	c.sets.Add(1)
	return nil
}

// Incr atomically increments the counter at key, creating it if absent.
func (c *MemoryCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	var cur int64
	if v, ok := c.store.Get(key); ok {
		if b, ok := v.([]byte); ok {
			cur, _ = strconv.ParseInt(string(b), 10, 64)
		}
	}
	cur += delta

	exp := gocache.DefaultExpiration
	if ttl > 0 {
		exp = ttl
	}
	c.store.Set(key, []byte(strconv.FormatInt(cur, 10)), exp)
	c.sets.Add(1)
	return cur, nil
}

// Delete removes a key from the cache.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

// FlushLocal clears the entire local store.
func (c *MemoryCache) FlushLocal() {
	c.store.Flush()
}

// Ping always succeeds for the local tier.
func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

// Close releases resources held by the local tier.
func (c *MemoryCache) Close() error {
	return nil
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() cache.Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Errors:  c.errors.Load(),
		HitRate: rate,
	}
}

// ItemCount returns the number of items currently stored.
func (c *MemoryCache) ItemCount() int {
	return c.store.ItemCount()
}
