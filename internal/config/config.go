// Package config provides configuration management with hot-reload support
// for the Router core: deployment mode, provider list, routing/retry
// policy, and the ambient HTTP/observability surface around it.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmux/internal/observability"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server        ServerConfig                      `yaml:"server"`
	Deployment    DeploymentConfig                  `yaml:"deployment"`
	Providers     []ProviderConfig                  `yaml:"providers"`
	Routing       RoutingConfig                     `yaml:"routing"`
	RateLimit     RateLimitConfig                   `yaml:"rate_limit"`
	Logging       LoggingConfig                     `yaml:"logging"`
	Metrics       MetricsConfig                     `yaml:"metrics"`
	Tracing       TracingConfig                     `yaml:"tracing"`
	Observability observability.ObservabilityConfig `yaml:"observability"`
	Cache         CacheConfig                       `yaml:"cache"`
	PricingFile   string                            `yaml:"pricing_file"`
}

// DeploymentConfig contains deployment mode settings.
// Modes: standalone (single process, in-memory routing stats),
// distributed (routing stats shared over Redis across replicas),
// development (distributed-mode validation relaxed).
type DeploymentConfig struct {
	Mode string `yaml:"mode"`
}

// CacheConfig contains the routing-stats and response-cache backend settings
// the Router core's distributed mode depends on.
type CacheConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Type      string            `yaml:"type"`      // local, redis, dual
	Namespace string            `yaml:"namespace"` // Key namespace prefix
	TTL       time.Duration     `yaml:"ttl"`        // Default TTL
	Memory    MemoryCacheConfig `yaml:"memory"`     // In-memory cache config
	Redis     RedisCacheConfig  `yaml:"redis"`      // Redis cache config
}

// MemoryCacheConfig contains in-memory cache settings.
type MemoryCacheConfig struct {
	MaxSize         int           `yaml:"max_size"`         // Maximum number of items
	DefaultTTL      time.Duration `yaml:"default_ttl"`      // Default TTL
	MaxItemSize     int           `yaml:"max_item_size"`    // Maximum size per item in bytes
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Cleanup interval
}

// RedisCacheConfig contains Redis connection settings, shared by the
// response cache and the distributed routing-stats store.
type RedisCacheConfig struct {
	Addr           string        `yaml:"addr"`            // Redis address
	Password       string        `yaml:"password"`        // Redis password
	DB             int           `yaml:"db"`              // Redis database number
	ClusterAddrs   []string      `yaml:"cluster_addrs"`   // Redis cluster addresses
	SentinelAddrs  []string      `yaml:"sentinel_addrs"`  // Sentinel addresses
	SentinelMaster string        `yaml:"sentinel_master"` // Sentinel master name
	DialTimeout    time.Duration `yaml:"dial_timeout"`    // Connection timeout
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // Read timeout
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // Write timeout
	PoolSize       int           `yaml:"pool_size"`       // Connection pool size
	MinIdleConns   int           `yaml:"min_idle_conns"`  // Minimum idle connections
	MaxRetries     int           `yaml:"max_retries"`     // Maximum retries
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	AdminPort    int           `yaml:"admin_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProviderConfig defines a single LLM provider configuration.
type ProviderConfig struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	APIKey        string            `yaml:"api_key"`
	BaseURL       string            `yaml:"base_url"`
	Models        []string          `yaml:"models"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

// RoutingConfig contains the Router core's strategy and retry/fallback
// policy — this is the `config.RouterConfig` the spec's configuration
// section names.
type RoutingConfig struct {
	DefaultProvider string        `yaml:"default_provider"`
	Strategy        string        `yaml:"strategy"` // round-robin, simple-shuffle, lowest-latency, least-busy, lowest-tpm-rpm, lowest-cost, tag-based
	FallbackEnabled bool          `yaml:"fallback_enabled"`
	RetryCount      FlexInt       `yaml:"retry_count"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	RetryJitter     float64       `yaml:"retry_jitter"`
	CooldownPeriod  time.Duration `yaml:"cooldown_period"`
	Distributed     bool          `yaml:"distributed"` // Enable Redis-backed distributed routing stats
}

// FlexInt is an integer that also accepts a quoted YAML string
// ("3" as well as 3), coercing at load time so a misconfigured value is
// rejected when the file is loaded rather than the first time a retry
// budget is computed.
type FlexInt int

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FlexInt) UnmarshalYAML(value *yaml.Node) error {
	var asInt int
	if err := value.Decode(&asInt); err == nil {
		*f = FlexInt(asInt)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("retry_count must be an integer or a quoted integer string, got %q", value.Value)
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(asString))
	if err != nil {
		return fmt.Errorf("retry_count %q is not a valid integer: %w", asString, err)
	}
	*f = FlexInt(parsed)
	return nil
}

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int64         `yaml:"requests_per_minute"` // RPM limit
	TokensPerMinute   int64         `yaml:"tokens_per_minute"`   // TPM limit
	BurstSize         int           `yaml:"burst_size"`
	WindowSize        time.Duration `yaml:"window_size"`         // Sliding window duration (default: 1m)
	KeyStrategy       string        `yaml:"key_strategy"`        // api_key, user, model, api_key_model
	FailOpen          bool          `yaml:"fail_open"`           // Allow requests when limiter backend fails
	TrustedProxyCIDRs []string      `yaml:"trusted_proxy_cidrs"` // Trusted proxies for forwarded headers

	// Distributed rate limiting (Redis-backed)
	Distributed bool `yaml:"distributed"` // Enable Redis-backed distributed rate limiting
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			AdminPort:    0,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Deployment: DeploymentConfig{
			Mode: "standalone",
		},
		Routing: RoutingConfig{
			Strategy:        "simple-shuffle",
			FallbackEnabled: true,
			RetryCount:      3,
			RetryBackoff:    100 * time.Millisecond,
			RetryMaxBackoff: 5 * time.Second,
			RetryJitter:     0.2,
			CooldownPeriod:  60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			TokensPerMinute:   100000,
			BurstSize:         10,
			WindowSize:        time.Minute,
			KeyStrategy:       "api_key",
			FailOpen:          true,
			Distributed:       false,
			TrustedProxyCIDRs: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "llmux",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Observability: observability.DefaultObservabilityConfig(),
		Cache: CacheConfig{
			Enabled:   false,
			Type:      "local",
			Namespace: "llmux",
			TTL:       time.Hour,
			Memory: MemoryCacheConfig{
				MaxSize:         1000,
				DefaultTTL:      10 * time.Minute,
				MaxItemSize:     1024 * 1024,
				CleanupInterval: time.Minute,
			},
			Redis: RedisCacheConfig{
				Addr:         "localhost:6379",
				DB:           0,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
				MinIdleConns: 2,
				MaxRetries:   3,
			},
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded. The
// decoder runs with KnownFields(true): a typo'd or retired field name
// fails config load immediately rather than silently being ignored.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	mode, err := normalizeDeploymentMode(c.Deployment.Mode)
	if err != nil {
		return err
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.AdminPort != 0 {
		if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Server.AdminPort)
		}
		if c.Server.AdminPort == c.Server.Port {
			return fmt.Errorf("admin port must differ from server port: %d", c.Server.AdminPort)
		}
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider[%d]: type is required", i)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider[%d] %q: api_key is required", i, p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider[%d] %q: at least one model must be configured", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("provider[%d] %q: max_concurrent cannot be negative", i, p.Name)
		}
	}

	if c.Routing.RetryCount < 0 {
		return fmt.Errorf("routing.retry_count cannot be negative")
	}
	if c.Routing.RetryBackoff < 0 {
		return fmt.Errorf("routing.retry_backoff cannot be negative")
	}
	if c.Routing.RetryMaxBackoff < 0 {
		return fmt.Errorf("routing.retry_max_backoff cannot be negative")
	}
	if c.Routing.RetryJitter < 0 || c.Routing.RetryJitter > 1 {
		return fmt.Errorf("routing.retry_jitter must be between 0 and 1")
	}
	if c.Routing.CooldownPeriod < 0 {
		return fmt.Errorf("routing.cooldown_period cannot be negative")
	}

	for i, value := range c.RateLimit.TrustedProxyCIDRs {
		if !isValidIPOrCIDR(value) {
			return fmt.Errorf("rate_limit.trusted_proxy_cidrs[%d] must be a valid IP or CIDR", i)
		}
	}

	if mode == "distributed" {
		if !c.Routing.Distributed {
			return fmt.Errorf("deployment.mode=distributed requires routing.distributed=true for shared routing stats")
		}
		if !hasRedisConfig(c.Cache.Redis) {
			return fmt.Errorf("deployment.mode=distributed requires cache.redis.addr or cache.redis.cluster_addrs for routing stats")
		}
		if c.RateLimit.Enabled && !c.RateLimit.Distributed {
			return fmt.Errorf("deployment.mode=distributed requires rate_limit.distributed=true when rate_limit.enabled")
		}
		if c.RateLimit.Enabled && c.RateLimit.Distributed && !hasRedisConfig(c.Cache.Redis) {
			return fmt.Errorf("deployment.mode=distributed requires cache.redis.addr or cache.redis.cluster_addrs for rate limiting")
		}
	}

	return nil
}

// WarningCode identifies a non-fatal configuration concern surfaced by
// Warnings. Codes are stable strings so callers (and tests) can match on
// them without string-matching human-readable text.
type WarningCode string

const (
	// WarningFallbackSingleProvider fires when fallback_enabled is set but
	// only one provider is configured, so there is nothing to fall back to.
	WarningFallbackSingleProvider WarningCode = "fallback_single_provider"

	// WarningCooldownDisabled fires when cooldown_period is zero, which
	// means a deployment that just failed is immediately eligible again.
	WarningCooldownDisabled WarningCode = "cooldown_disabled"

	// WarningDistributedCacheLocal fires when routing.distributed is set
	// but cache.type isn't redis/dual, so routing stats won't actually be
	// shared across replicas despite the distributed flag.
	WarningDistributedCacheLocal WarningCode = "distributed_cache_local"
)

// Warning is a single non-fatal configuration concern.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Warnings inspects the configuration for combinations that parse and
// validate cleanly but likely don't do what the operator intended. Unlike
// Validate, nothing here fails config load.
func (c *Config) Warnings() []Warning {
	var warnings []Warning

	if c.Routing.FallbackEnabled && len(c.Providers) <= 1 {
		warnings = append(warnings, Warning{
			Code:    WarningFallbackSingleProvider,
			Message: "routing.fallback_enabled is set but only one provider is configured; there is no deployment to fall back to",
		})
	}
	if c.Routing.CooldownPeriod <= 0 {
		warnings = append(warnings, Warning{
			Code:    WarningCooldownDisabled,
			Message: "routing.cooldown_period is zero; a deployment that just failed will be immediately eligible again",
		})
	}
	if c.Routing.Distributed && c.Cache.Type != "redis" && c.Cache.Type != "dual" {
		warnings = append(warnings, Warning{
			Code:    WarningDistributedCacheLocal,
			Message: "routing.distributed is set but cache.type is not redis or dual; routing stats will not be shared across replicas",
		})
	}

	return warnings
}

func normalizeDeploymentMode(mode string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized == "" {
		return "standalone", nil
	}
	switch normalized {
	case "standalone", "distributed", "development":
		return normalized, nil
	default:
		return "", fmt.Errorf("deployment.mode must be one of: standalone, distributed, development")
	}
}

func hasRedisConfig(cfg RedisCacheConfig) bool {
	return cfg.Addr != "" || len(cfg.ClusterAddrs) > 0
}

func isValidIPOrCIDR(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	if strings.Contains(value, "/") {
		_, _, err := net.ParseCIDR(value)
		return err == nil
	}
	return net.ParseIP(value) != nil
}
