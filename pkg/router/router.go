// Package router provides public request routing and load balancing interfaces.
// It supports multiple strategies including simple shuffle, lowest latency, least busy,
// lowest TPM/RPM, lowest cost, and tag-based routing.
package router

import (
	"context"
	"time"

	"github.com/blueberrycongee/llmux/pkg/provider"
)

// Strategy defines the routing strategy type.
type Strategy string

const (
	// StrategySimpleShuffle randomly selects from available deployments.
	// Supports weighted selection based on weight/rpm/tpm parameters.
	StrategySimpleShuffle Strategy = "simple-shuffle"

	// StrategyLowestLatency selects the deployment with lowest average latency.
	// For streaming requests, uses Time To First Token (TTFT) instead.
	StrategyLowestLatency Strategy = "lowest-latency"

	// StrategyLeastBusy selects the deployment with fewest active requests.
	StrategyLeastBusy Strategy = "least-busy"

	// StrategyLowestTPMRPM selects the deployment with lowest TPM/RPM usage.
	// Useful for staying within rate limits across multiple deployments.
	StrategyLowestTPMRPM Strategy = "lowest-tpm-rpm"

	// StrategyLowestCost selects the deployment with lowest cost per token.
	// Considers both input and output token costs.
	StrategyLowestCost Strategy = "lowest-cost"

	// StrategyTagBased filters deployments based on request tags.
	// Only deployments with matching tags are considered.
	StrategyTagBased Strategy = "tag-based"

	// StrategyRoundRobin cycles through deployments in a fixed order,
	// backed by a RoundRobinStore for cross-instance consistency.
	StrategyRoundRobin Strategy = "round-robin"
)

// Router selects the best deployment for a given request.
// It tracks deployment health and performance metrics for intelligent routing.
type Router interface {
	// Pick selects the best available deployment for the given model.
	// Returns ErrNoAvailableDeployment if all deployments are unavailable.
	Pick(ctx context.Context, model string) (*provider.Deployment, error)

	// PickWithContext selects the best deployment using request context.
	// This enables advanced routing strategies like tag-based and streaming-aware routing.
	PickWithContext(ctx context.Context, reqCtx *RequestContext) (*provider.Deployment, error)

	// ReportSuccess records a successful request to update routing metrics.
	ReportSuccess(ctx context.Context, deployment *provider.Deployment, metrics *ResponseMetrics)

	// ReportFailure records a failed request and potentially triggers cooldown.
	ReportFailure(ctx context.Context, deployment *provider.Deployment, err error)

	// ReportRequestStart records when a request starts (for least-busy tracking).
	ReportRequestStart(ctx context.Context, deployment *provider.Deployment)

	// ReportRequestEnd records when a request ends (for least-busy tracking).
	ReportRequestEnd(ctx context.Context, deployment *provider.Deployment)

	// IsCircuitOpen checks if the circuit breaker is open for a deployment.
	IsCircuitOpen(deployment *provider.Deployment) bool

	// AddDeployment registers a new deployment with the router.
	AddDeployment(deployment *provider.Deployment)

	// AddDeploymentWithConfig registers a deployment with routing configuration.
	AddDeploymentWithConfig(deployment *provider.Deployment, config DeploymentConfig)

	// RemoveDeployment removes a deployment from the router.
	RemoveDeployment(deploymentID string)

	// GetDeployments returns all deployments for a model.
	GetDeployments(model string) []*provider.Deployment

	// GetStats returns the current stats for a deployment.
	GetStats(deploymentID string) *DeploymentStats

	// GetStrategy returns the current routing strategy.
	GetStrategy() Strategy

	// GetDeploymentConfig returns the routing configuration registered for
	// a deployment ID (via AddDeploymentWithConfig), and whether one was
	// found. Used to resolve per-deployment overrides such as NumRetries.
	GetDeploymentConfig(deploymentID string) (DeploymentConfig, bool)
}

// RequestContext contains request-specific information for routing decisions.
type RequestContext struct {
	// Model is the requested model name
	Model string

	// IsStreaming indicates if this is a streaming request
	IsStreaming bool

	// Tags are request-level tags for tag-based routing
	Tags []string

	// EstimatedInputTokens for TPM/RPM calculations and the context-window
	// fit filter. Zero means "could not estimate" — the context-window
	// filter treats that as a pass rather than a drop.
	EstimatedInputTokens int

	// Region is the caller's requested region, matched against each
	// deployment's AllowedRegions. Empty skips the region filter.
	Region string

	// PreferredDeploymentID is a prompt-cache affinity hint: the deployment
	// that served the last request with this prompt's fingerprint. When set
	// and present among the healthy candidates that survive the cooldown/
	// context-window/region filters, a strategy picks it directly instead of
	// running its own scoring. It never widens the candidate set — a
	// preferred deployment that was already dropped by an earlier filter is
	// not reconsidered.
	PreferredDeploymentID string

	// Metadata contains additional request metadata
	Metadata map[string]string
}

// ResponseMetrics contains metrics from a completed request.
type ResponseMetrics struct {
	// Latency is the total request duration
	Latency time.Duration

	// TimeToFirstToken is the time until first streaming chunk (for streaming requests)
	TimeToFirstToken time.Duration

	// TotalTokens is the total tokens used (input + output)
	TotalTokens int

	// InputTokens is the number of input tokens
	InputTokens int

	// OutputTokens is the number of output tokens
	OutputTokens int

	// Cost is the calculated cost of the request
	Cost float64
}

// DeploymentStats tracks performance metrics for a deployment.
type DeploymentStats struct {
	// Request counts
	TotalRequests  int64
	SuccessCount   int64
	FailureCount   int64
	ActiveRequests int64

	// Latency tracking (rolling window)
	LatencyHistory     []float64 // in milliseconds
	TTFTHistory        []float64 // Time To First Token for streaming
	AvgLatencyMs       float64
	AvgTTFTMs          float64
	MaxLatencyListSize int

	// Usage tracking (per minute)
	CurrentMinuteTPM int64  // Tokens Per Minute
	CurrentMinuteRPM int64  // Requests Per Minute
	CurrentMinuteKey string // Format: "YYYY-MM-DD-HH-MM"

	// Timing
	LastRequestTime time.Time
	CooldownUntil   time.Time
}

// DeploymentConfig contains deployment-specific configuration for routing.
type DeploymentConfig struct {
	// Weight for weighted random selection (simple-shuffle)
	Weight float64

	// TPMLimit for this deployment (0 = unlimited)
	TPMLimit int64

	// RPMLimit for this deployment (0 = unlimited)
	RPMLimit int64

	// InputCostPerToken for cost-based routing
	InputCostPerToken float64

	// OutputCostPerToken for cost-based routing
	OutputCostPerToken float64

	// Tags for tag-based routing
	Tags []string

	// NumRetries overrides the router-wide default retry count for this
	// specific deployment. Zero means "unset, defer to the router
	// default." Config loaders accept this as either an int or a numeric
	// string (LiteLLM config files commonly quote it).
	NumRetries int

	// MaxInputTokens is the largest prompt (in estimated tokens) this
	// deployment can accept. Zero means unbounded. Used by the precall
	// context-window-fit filter; a failed token estimate never drops a
	// candidate, it only skips the filter.
	MaxInputTokens int

	// AllowedRegions restricts this deployment to requests whose region
	// matches one of these values. Empty means any region may route here.
	AllowedRegions []string
}

// Config contains router configuration options.
type Config struct {
	// Strategy determines how deployments are selected
	Strategy Strategy

	// CooldownPeriod is how long to wait before retrying a failed deployment
	CooldownPeriod time.Duration

	// LatencyBuffer for lowest-latency: select randomly within this % of lowest
	// e.g., 0.1 means select from deployments within 10% of the lowest latency
	LatencyBuffer float64

	// MaxLatencyListSize is the maximum number of latency samples to keep
	MaxLatencyListSize int

	// MetricsTTL for cached metrics (default: 1 hour)
	MetricsTTL time.Duration

	// EnableTagFiltering enables tag-based deployment filtering
	EnableTagFiltering bool

	// PricingFile is the path to the custom pricing JSON file
	PricingFile string

	// --- Circuit Breaker / Cooldown Configuration (LiteLLM-style) ---

	// FailureThresholdPercent is the failure rate threshold for triggering cooldown.
	// When failure_count / total_requests exceeds this value, the deployment enters cooldown.
	// Default: 0.5 (50%). Set to 1.0 to disable failure-rate based cooldown.
	// RedisStatsStore takes DefaultConfig's value unless
	// WithFailureThresholdPercent overrides it; the local BaseRouter tracker
	// cools multi-deployment groups down through AllowedFails instead.
	FailureThresholdPercent float64

	// MinRequestsForThreshold is the minimum number of requests required before
	// applying failure rate based cooldown. This prevents premature cooldown
	// when sample size is too small.
	// Default: 5 requests. As with FailureThresholdPercent, only
	// RedisStatsStore applies it; the local BaseRouter tracker does not.
	MinRequestsForThreshold int

	// ImmediateCooldownOn429 is deprecated: rate limits are classified as
	// transient and now flow through the AllowedFails rolling window like
	// any other transient failure rather than cooling down immediately.
	// Kept only so existing config files that set it continue to parse.
	ImmediateCooldownOn429 bool

	// --- Two-state health tracker (LiteLLM-style allowed_fails) ---

	// AllowedFails is how many transient failures (timeout, 5xx, connection
	// reset, rate limit) a deployment may accumulate within
	// AllowedFailsWindow before it is cooled down. Default: 3.
	AllowedFails int

	// AllowedFailsWindow is the rolling window transient failures are
	// counted within. Default: 60s.
	AllowedFailsWindow time.Duration

	// ShortCooldown is the cooldown duration applied when a deployment
	// crosses AllowedFails. It grows by CooldownGrowthFactor for each
	// consecutive cooldown (reset by a subsequent success), up to
	// MaxShortCooldown. Default: 1s.
	ShortCooldown time.Duration

	// CooldownGrowthFactor multiplies ShortCooldown on each consecutive
	// cooldown. Default: 2.
	CooldownGrowthFactor float64

	// MaxShortCooldown caps the growth of ShortCooldown. Default: 60s.
	MaxShortCooldown time.Duration

	// LongCooldown is the cooldown duration applied immediately for
	// non-retryable failure kinds (auth, not-found, context-window
	// exceeded, permission denied) rather than waiting on AllowedFails.
	// Default: 60s. Falls back to CooldownPeriod when unset.
	LongCooldown time.Duration
}

// StatsStore defines the interface for storing and retrieving deployment
// statistics. Implementations can be in-memory (single-instance) or
// distributed (Redis-backed, for sharing routing stats across instances).
//
// All methods must be safe for concurrent use and should fail open: a
// store error should be logged by the caller, not surfaced as a routing
// failure.
type StatsStore interface {
	// GetStats retrieves statistics for a deployment.
	GetStats(ctx context.Context, deploymentID string) (*DeploymentStats, error)

	// IncrementActiveRequests atomically increments the active request count.
	IncrementActiveRequests(ctx context.Context, deploymentID string) error

	// DecrementActiveRequests atomically decrements the active request count.
	DecrementActiveRequests(ctx context.Context, deploymentID string) error

	// RecordSuccess records a successful request with its metrics.
	RecordSuccess(ctx context.Context, deploymentID string, metrics *ResponseMetrics) error

	// RecordFailure records a failed request, potentially triggering cooldown.
	RecordFailure(ctx context.Context, deploymentID string, err error) error

	// SetCooldown marks a deployment as unavailable until the given time.
	SetCooldown(ctx context.Context, deploymentID string, until time.Time) error

	// GetCooldownUntil returns the cooldown expiration time, or the zero
	// value if the deployment is not in cooldown.
	GetCooldownUntil(ctx context.Context, deploymentID string) (time.Time, error)

	// ListDeployments returns all deployment IDs with recorded stats.
	ListDeployments(ctx context.Context) ([]string, error)

	// DeleteStats removes all stats for a deployment.
	DeleteStats(ctx context.Context, deploymentID string) error

	// Close releases any resources held by the store.
	Close() error
}

// DefaultConfig returns sensible default router configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategySimpleShuffle,
		CooldownPeriod:          60 * time.Second,
		LatencyBuffer:           0.1, // 10% buffer
		MaxLatencyListSize:      10,
		MetricsTTL:              1 * time.Hour,
		EnableTagFiltering:      false,
		FailureThresholdPercent: 0.5, // 50% failure rate
		MinRequestsForThreshold: 5,   // Minimum 5 requests before checking rate
		AllowedFails:            3,
		AllowedFailsWindow:      60 * time.Second,
		ShortCooldown:           1 * time.Second,
		CooldownGrowthFactor:    2,
		MaxShortCooldown:        60 * time.Second,
		LongCooldown:            60 * time.Second,
	}
}
