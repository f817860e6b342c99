package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	llmuxcache "github.com/blueberrycongee/llmux/pkg/cache"
)

// DualCache is a two-tier cache: an in-process MemoryCache in front of a
// shared RedisCache. Reads check local first; a local miss that hits
// Redis backfills local. Writes go to both, local-first, so a Redis
// outage degrades to "local only" rather than failing the call.
type DualCache struct {
	local *MemoryCache
	redis *RedisCache
	log   *slog.Logger

	localTTL time.Duration
	redisTTL time.Duration

	localHits, backfills atomic.Int64
	redisUnavailable     atomic.Bool
}

// DualConfig configures the dual-tier cache.
type DualConfig struct {
	LocalTTL time.Duration // TTL applied to the local backfill copy
	RedisTTL time.Duration // TTL applied to the Redis tier when caller passes 0
}

// DefaultDualConfig returns sensible defaults.
func DefaultDualConfig() DualConfig {
	return DualConfig{
		LocalTTL: 5 * time.Minute,
		RedisTTL: time.Hour,
	}
}

// NewDualCache composes a local and shared tier.
func NewDualCache(local *MemoryCache, redis *RedisCache, cfg DualConfig, log *slog.Logger) *DualCache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = 5 * time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &DualCache{
		local:    local,
		redis:    redis,
		log:      log,
		localTTL: cfg.LocalTTL,
		redisTTL: cfg.RedisTTL,
	}
}

func (c *DualCache) degraded(err error) bool {
	if err == nil {
		c.redisUnavailable.Store(false)
		return false
	}
	if !c.redisUnavailable.Swap(true) {
		c.log.Warn("shared cache tier unavailable, degrading to local", "error", err)
	}
	return true
}

// Get checks local first, then Redis, backfilling local on a Redis hit.
func (c *DualCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := c.local.Get(ctx, key); err == nil && v != nil {
		c.localHits.Add(1)
		return v, nil
	}
	if c.redis == nil {
		return nil, nil
	}
	v, err := c.redis.Get(ctx, key)
	if c.degraded(err) {
		return nil, nil
	}
	if v != nil {
		_ = c.local.Set(ctx, key, v, c.localTTL)
		c.backfills.Add(1)
	}
	return v, nil
}

// Set writes local first, then best-effort to Redis.
func (c *DualCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, c.localTTL); err != nil {
		return err
	}
	if c.redis == nil {
		return nil
	}
	redisTTL := ttl
	if redisTTL <= 0 {
		redisTTL = c.redisTTL
	}
	if err := c.redis.Set(ctx, key, value, redisTTL); err != nil {
		c.degraded(err)
	}
	return nil
}

// Incr increments in Redis when available (so counters are shared across
// process instances), falling back to the local tier when Redis is down.
func (c *DualCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if c.redis != nil {
		v, err := c.redis.Incr(ctx, key, delta, ttl)
		if !c.degraded(err) {
			return v, nil
		}
	}
	return c.local.Incr(ctx, key, delta, ttl)
}

// Delete removes the key from both tiers.
func (c *DualCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if c.redis != nil {
		if err := c.redis.Delete(ctx, key); err != nil {
			c.degraded(err)
		}
	}
	return nil
}

// FlushLocal clears only the local tier.
func (c *DualCache) FlushLocal() {
	c.local.FlushLocal()
}

// Ping checks the local tier and, if present, the shared tier.
func (c *DualCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return err
	}
	if c.redis != nil {
		return c.redis.Ping(ctx)
	}
	return nil
}

// Close closes both tiers.
func (c *DualCache) Close() error {
	_ = c.local.Close()
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

// Stats merges hit/miss/error counts across both tiers.
func (c *DualCache) Stats() llmuxcache.Stats {
	local := c.local.Stats()
	var shared llmuxcache.Stats
	if c.redis != nil {
		shared = c.redis.Stats()
	}
	hits := local.Hits + shared.Hits
	misses := local.Misses + shared.Misses
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return llmuxcache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    local.Sets + shared.Sets,
		Errors:  local.Errors + shared.Errors,
		HitRate: rate,
	}
}
