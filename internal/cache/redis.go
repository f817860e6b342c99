package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	llmuxcache "github.com/blueberrycongee/llmux/pkg/cache"
)

// RedisCache is the shared tier, backed by a real Redis (or anything that
// speaks the Redis protocol, including miniredis in tests).
type RedisCache struct {
	client    *redis.Client
	namespace string

	hits, misses, sets, errors atomic.Int64
}

// RedisConfig configures the shared tier.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	Namespace  string
	DefaultTTL time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:       "localhost:6379",
		Namespace:  "llmux",
		DefaultTTL: time.Hour,
	}
}

// NewRedisCache dials Redis and returns a cache wrapping it. Connection
// failures surface here rather than being hidden, since a misconfigured
// shared tier should not be discovered only once the first Get is tried.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client, namespace: cfg.Namespace}, nil
}

func (c *RedisCache) ns(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := c.client.Get(ctx, c.ns(key)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		c.errors.Add(1)
		return nil, err
	}
	c.hits.Add(1)
	return v, nil
}

// Set stores a value in Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.ns(key), value, ttl).Err(); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sets.Add(1)
	return nil
}

// Incr atomically increments a counter in Redis, pipelining the TTL set
// so a crash between INCRBY and EXPIRE can never leave the key without
// an expiry.
func (c *RedisCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	k := c.ns(key)
	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, k, delta)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		return 0, err
	}
	c.sets.Add(1)
	return incr.Val(), nil
}

// Delete removes a key from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.ns(key)).Err(); err != nil {
		c.errors.Add(1)
		return err
	}
	return nil
}

// FlushLocal is a no-op: Redis has no local tier of its own.
func (c *RedisCache) FlushLocal() {}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Stats returns cache statistics.
func (c *RedisCache) Stats() llmuxcache.Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return llmuxcache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Errors:  c.errors.Load(),
		HitRate: rate,
	}
}
