package cache

import (
	"fmt"
	"log/slog"
	"time"

	llmuxcache "github.com/blueberrycongee/llmux/pkg/cache"
)

// Config holds the complete bookkeeping-cache configuration.
type Config struct {
	Type      llmuxcache.Type `yaml:"type"`      // local, redis, or dual
	Namespace string          `yaml:"namespace"` // key namespace prefix
	TTL       time.Duration   `yaml:"ttl"`        // default TTL
	Memory    MemoryConfig    `yaml:"memory"`
	Redis     RedisConfig     `yaml:"redis"`
	Dual      DualConfig      `yaml:"dual"`
}

// DefaultConfig returns sensible defaults: a local-only cache, since the
// Router must work with zero external dependencies out of the box.
func DefaultConfig() Config {
	return Config{
		Type:      llmuxcache.TypeLocal,
		Namespace: "llmux-router",
		TTL:       time.Hour,
		Memory:    DefaultMemoryConfig(),
		Redis:     DefaultRedisConfig(),
		Dual:      DefaultDualConfig(),
	}
}

// New creates a Cache from configuration.
func New(cfg Config, log *slog.Logger) (llmuxcache.Cache, error) {
	switch cfg.Type {
	case llmuxcache.TypeLocal, "":
		return NewMemoryCache(cfg.Memory), nil

	case llmuxcache.TypeRedis:
		redisCfg := cfg.Redis
		if cfg.Namespace != "" {
			redisCfg.Namespace = cfg.Namespace
		}
		redisTier, err := NewRedisCache(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("create redis tier: %w", err)
		}
		return redisTier, nil

	case llmuxcache.TypeDual:
		local := NewMemoryCache(cfg.Memory)
		redisCfg := cfg.Redis
		if cfg.Namespace != "" {
			redisCfg.Namespace = cfg.Namespace
		}
		redisTier, err := NewRedisCache(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("create redis tier: %w", err)
		}
		return NewDualCache(local, redisTier, cfg.Dual, log), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
