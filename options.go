package llmux

import (
	"context"
	"log/slog"
	"time"

	"github.com/blueberrycongee/llmux/internal/resilience"
	"github.com/blueberrycongee/llmux/pkg/router"
)

// RateLimitKeyStrategy defines how to derive the rate limit key.
type RateLimitKeyStrategy string

const (
	// RateLimitKeyByAPIKey uses the API key as the rate limit key.
	RateLimitKeyByAPIKey RateLimitKeyStrategy = "api_key" // #nosec G101 -- identifier value, not a credential.
	// RateLimitKeyByUser uses the user ID as the rate limit key.
	RateLimitKeyByUser RateLimitKeyStrategy = "user"
	// RateLimitKeyByModel uses the model name as the rate limit key.
	RateLimitKeyByModel RateLimitKeyStrategy = "model"
	// RateLimitKeyByAPIKeyAndModel uses both API key and model as the rate limit key.
	RateLimitKeyByAPIKeyAndModel RateLimitKeyStrategy = "api_key_model" // #nosec G101 -- identifier value, not a credential.
)

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	// Enabled indicates whether rate limiting is enabled.
	Enabled bool
	// RPMLimit is the requests per minute limit.
	RPMLimit int64
	// TPMLimit is the tokens per minute limit.
	TPMLimit int64
	// WindowSize is the sliding window duration (default: 1 minute).
	WindowSize time.Duration
	// KeyStrategy defines how to derive the rate limit key.
	KeyStrategy RateLimitKeyStrategy
	// FailOpen allows requests when the rate limiter backend fails.
	FailOpen bool
}

// FallbackReporter receives fallback outcomes for observability.
type FallbackReporter func(ctx context.Context, originalModel, fallbackModel string, err error, success bool)

// ClientConfig holds all configuration for the LLMux client.
type ClientConfig struct {
	// Providers configuration
	Providers []ProviderConfig

	// Custom provider instances (for advanced use)
	ProviderInstances []providerInstance

	// Routing
	RouterStrategy   Strategy
	Router           Router // Custom router (overrides RouterStrategy)
	FallbackEnabled  bool
	RetryCount       int
	RetryBackoff     time.Duration
	RetryMaxBackoff  time.Duration
	RetryJitter      float64
	CooldownPeriod   time.Duration
	EWMAAlpha        float64
	DefaultProvider  string
	FallbackReporter FallbackReporter

	// Fallbacks maps a model group to an ordered list of fallback model
	// groups to try, each with its own fresh retry budget, once the
	// current group's deployments are exhausted. A group already visited
	// in this request (including the original model) is never revisited,
	// which bounds the chain even if Fallbacks describes a cycle.
	Fallbacks map[string][]string

	// Distributed Routing Stats (for multi-instance deployments)
	StatsStore router.StatsStore

	// Distributed Round Robin counters (for multi-instance deployments)
	RoundRobinStore router.RoundRobinStore

	// Caching
	CacheEnabled   bool
	Cache          Cache // Custom cache implementation
	CacheTTL       time.Duration
	CacheTypeLabel string

	// HTTP
	Timeout time.Duration

	// Logging
	Logger *slog.Logger

	// Pricing
	PricingFile string

	// Rate Limiting (Distributed)
	RateLimiter       resilience.DistributedLimiter
	RateLimiterConfig RateLimiterConfig

	// ProviderRateLimits caps in-process request throughput per provider
	// name, independent of RateLimiter's distributed per-key/model limits.
	ProviderRateLimits map[string]ProviderRateLimit
}

// ProviderRateLimit bounds how fast this process will send requests to a
// single named provider, via a token bucket (see WithProviderRateLimit).
type ProviderRateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// providerInstance holds a pre-configured provider with its models.
type providerInstance struct {
	Name     string
	Provider Provider
	Models   []string
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		RouterStrategy:  StrategySimpleShuffle,
		FallbackEnabled: true,
		RetryCount:      3,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 5 * time.Second,
		RetryJitter:     0.2,
		CooldownPeriod:  60 * time.Second,
		EWMAAlpha:       0.1,
		CacheEnabled:    false,
		CacheTTL:        time.Hour,
		CacheTypeLabel:  "unknown",
		Timeout:         30 * time.Second,
		Logger:          slog.Default(),
	}
}

// WithProvider adds a provider configuration.
// The provider will be created automatically based on the Type field.
//
// Example:
//
//	llmux.WithProvider(llmux.ProviderConfig{
//	    Name:   "openai",
//	    Type:   "openai",
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	    Models: []string{"gpt-4o", "gpt-4o-mini"},
//	})
func WithProvider(cfg ProviderConfig) Option {
	return func(c *ClientConfig) {
		c.Providers = append(c.Providers, cfg)
	}
}

// WithProviderInstance adds a pre-configured provider instance.
// Use this when you need custom provider configuration beyond what ProviderConfig offers.
//
// Example:
//
//	openaiProvider := openai.New(
//	    openai.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    openai.WithBaseURL("https://custom-endpoint.com/v1"),
//	)
//	llmux.WithProviderInstance("my-openai", openaiProvider, []string{"gpt-4o"})
func WithProviderInstance(name string, prov Provider, models []string) Option {
	return func(c *ClientConfig) {
		c.ProviderInstances = append(c.ProviderInstances, providerInstance{
			Name:     name,
			Provider: prov,
			Models:   models,
		})
	}
}

// WithRouter sets a custom router implementation.
// This overrides the RouterStrategy option.
//
// Example:
//
//	customRouter := myrouter.New(...)
//	llmux.WithRouter(customRouter)
func WithRouter(r Router) Option {
	return func(c *ClientConfig) {
		c.Router = r
	}
}

// WithRouterStrategy sets the routing strategy.
// Available strategies:
//   - StrategySimpleShuffle: Random selection with optional weights
//   - StrategyLowestLatency: Select deployment with lowest latency
//   - StrategyLeastBusy: Select deployment with fewest active requests
//   - StrategyLowestTPMRPM: Select deployment with lowest token/request usage
//   - StrategyLowestCost: Select deployment with lowest cost
//   - StrategyTagBased: Filter deployments by tags
func WithRouterStrategy(strategy Strategy) Option {
	return func(c *ClientConfig) {
		c.RouterStrategy = strategy
	}
}

// WithDefaultProvider prefers a provider when multiple deployments are available.
func WithDefaultProvider(provider string) Option {
	return func(c *ClientConfig) {
		c.DefaultProvider = provider
	}
}

// WithFallback enables/disables fallback on failure.
// When enabled, failed requests will be retried on different deployments.
func WithFallback(enabled bool) Option {
	return func(c *ClientConfig) {
		c.FallbackEnabled = enabled
	}
}

// WithRetry configures retry behavior.
// count: number of retry attempts (0 = no retries)
// backoff: initial backoff duration (exponential backoff is applied)
func WithRetry(count int, backoff time.Duration) Option {
	return func(c *ClientConfig) {
		c.RetryCount = count
		c.RetryBackoff = backoff
	}
}

// WithRetryMaxBackoff sets the maximum backoff duration for retries.
// Use 0 to disable the cap.
func WithRetryMaxBackoff(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.RetryMaxBackoff = d
	}
}

// WithRetryJitter sets the jitter ratio for retries (0.0 - 1.0).
func WithRetryJitter(jitter float64) Option {
	return func(c *ClientConfig) {
		c.RetryJitter = jitter
	}
}

// WithFallbackReporter records fallback outcomes.
func WithFallbackReporter(reporter FallbackReporter) Option {
	return func(c *ClientConfig) {
		c.FallbackReporter = reporter
	}
}

// WithFallbacks configures the model-group fallback chain: when a model's
// deployments are exhausted, the client tries each listed fallback model in
// order, each with its own fresh retry budget, before giving up. A model
// never recurs within a single request's chain, so a cycle in the map
// (A falls back to B, B falls back to A) simply terminates the chain
// instead of looping.
func WithFallbacks(fallbacks map[string][]string) Option {
	return func(c *ClientConfig) {
		c.Fallbacks = fallbacks
	}
}

// WithCooldown sets the cooldown period for failed deployments.
// Deployments that fail will be excluded from routing for this duration.
func WithCooldown(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.CooldownPeriod = d
	}
}

// WithEWMAAlpha sets the smoothing factor for EWMA calculations.
// alpha should be between 0 and 1. A higher alpha discounts older observations faster.
// The value is stored on ClientConfig.EWMAAlpha; no router in this module reads it.
func WithEWMAAlpha(alpha float64) Option {
	return func(c *ClientConfig) {
		c.EWMAAlpha = alpha
	}
}

// WithCache enables caching with the given implementation.
//
// Example:
//
//	redisCache, _ := redis.New(redis.WithAddr("localhost:6379"))
//	llmux.WithCache(redisCache)
func WithCache(cache Cache) Option {
	return func(c *ClientConfig) {
		c.CacheEnabled = true
		c.Cache = cache
	}
}

// WithCacheTTL sets the default cache TTL.
// This is used when no TTL is specified in the cache control.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *ClientConfig) {
		c.CacheTTL = ttl
	}
}

// WithCacheTypeLabel sets the cache type label for metrics.
func WithCacheTypeLabel(label string) Option {
	return func(c *ClientConfig) {
		c.CacheTypeLabel = label
	}
}

// WithTimeout sets the HTTP request timeout.
// This applies to all provider API calls.
func WithTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.Timeout = d
	}
}

// WithLogger sets the logger for the client.
// The logger is used for debug, info, and error messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithPricingFile sets the path to the custom pricing JSON file.
func WithPricingFile(path string) Option {
	return func(c *ClientConfig) {
		c.PricingFile = path
	}
}

// WithRateLimiter sets a custom distributed rate limiter implementation.
// This enables distributed rate limiting across multiple LLMux instances.
//
// Example:
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	limiter := resilience.NewRedisLimiter(redisClient)
//	llmux.WithRateLimiter(limiter)
func WithRateLimiter(limiter resilience.DistributedLimiter) Option {
	return func(c *ClientConfig) {
		c.RateLimiter = limiter
	}
}

// WithRateLimiterConfig sets the rate limiter configuration.
// This configures the rate limits (RPM/TPM) and key strategy.
//
// Example:
//
//	llmux.WithRateLimiterConfig(llmux.RateLimiterConfig{
//	    Enabled:     true,
//	    RPMLimit:    100,
//	    TPMLimit:    10000,
//	    WindowSize:  time.Minute,
//	    KeyStrategy: llmux.RateLimitKeyByAPIKey,
//	})
func WithRateLimiterConfig(config RateLimiterConfig) Option {
	return func(c *ClientConfig) {
		c.RateLimiterConfig = config
	}
}

// WithStatsStore sets a distributed stats store for routing decisions.
// This enables multi-instance deployments to share routing statistics
// (latency, active requests, cooldowns), making load-balanced strategies
// like least-busy and lowest-latency work correctly across a cluster.
//
// Example:
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	statsStore := routers.NewRedisStatsStore(redisClient)
//	llmux.WithStatsStore(statsStore)
func WithStatsStore(store router.StatsStore) Option {
	return func(c *ClientConfig) {
		c.StatsStore = store
	}
}

// WithRoundRobinStore sets a distributed round-robin store for consistent RR across instances.
func WithRoundRobinStore(store router.RoundRobinStore) Option {
	return func(c *ClientConfig) {
		c.RoundRobinStore = store
	}
}

// WithProviderRateLimit caps in-process request throughput to a single
// named provider at requestsPerSecond with the given burst, regardless of
// how many API keys or models are routed through it. Unlike WithRateLimiter
// (distributed, per-key/model), this is a local token bucket scoped to one
// process and one provider name — useful for respecting a provider's own
// published rate limit without needing a shared store.
func WithProviderRateLimit(providerName string, requestsPerSecond float64, burst int) Option {
	return func(c *ClientConfig) {
		if c.ProviderRateLimits == nil {
			c.ProviderRateLimits = make(map[string]ProviderRateLimit)
		}
		c.ProviderRateLimits[providerName] = ProviderRateLimit{
			RequestsPerSecond: requestsPerSecond,
			Burst:             burst,
		}
	}
}

