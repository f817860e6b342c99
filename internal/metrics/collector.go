package metrics

import (
	"strconv"
	"time"
)

// Labels carries the low-cardinality label values a single request's
// metrics are recorded under. Fields tied to a caller identity (API key,
// team, org) are deliberately absent: the Router core has no
// authentication/accounting layer, and a hashed-API-key or per-team label
// would turn every counter here into an unbounded-cardinality series.
type Labels struct {
	// Model info
	RequestedModel string
	Model          string
	ModelGroup     string
	ModelID        string

	// Provider info
	APIProvider  string
	APIBase      string
	DeploymentID string

	// Error info
	StatusCode      int
	ExceptionStatus string
	ExceptionClass  string

	// Routing info
	Route         string
	FallbackModel string
	Tag           string
}

// RequestMetrics contains metrics for a single request, gathered by the
// gateway's HTTP middleware and handed to Collector.RecordRequest once
// the request completes.
type RequestMetrics struct {
	Labels Labels

	// Timing
	StartTime    time.Time
	EndTime      time.Time
	TTFT         time.Duration // Time to first token
	OverheadTime time.Duration // Router core processing overhead
	UpstreamTime time.Duration // Actual LLM API time

	// Tokens
	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// Cost
	Cost float64

	// Status
	Success   bool
	CacheHit  bool
	Streaming bool
}

// Collector records RequestMetrics and deployment/routing events into the
// package's Prometheus vectors.
type Collector struct{}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records all metrics for a completed request.
func (c *Collector) RecordRequest(m *RequestMetrics) {
	labels := m.Labels
	statusCode := strconv.Itoa(labels.StatusCode)

	ProxyTotalRequests.WithLabelValues(
		labels.Model, labels.ModelGroup, labels.APIProvider, statusCode,
	).Inc()

	if !m.Success {
		ProxyFailedRequests.WithLabelValues(
			labels.Model, labels.ModelGroup, labels.APIProvider, labels.ExceptionStatus, labels.ExceptionClass,
		).Inc()
	}

	totalLatency := m.EndTime.Sub(m.StartTime).Seconds()
	RequestTotalLatency.WithLabelValues(
		labels.Model, labels.ModelGroup, labels.APIProvider,
	).Observe(totalLatency)

	if m.UpstreamTime > 0 {
		LLMAPILatency.WithLabelValues(
			labels.Model, labels.ModelGroup, labels.APIProvider, labels.APIBase,
		).Observe(m.UpstreamTime.Seconds())
	}

	if m.Streaming && m.TTFT > 0 {
		TimeToFirstToken.WithLabelValues(
			labels.Model, labels.ModelGroup, labels.APIProvider, labels.APIBase,
		).Observe(m.TTFT.Seconds())
	}

	if m.OverheadTime > 0 {
		OverheadLatency.WithLabelValues(labels.Route).Observe(m.OverheadTime.Seconds())
	}

	if m.OutputTokens > 0 && m.UpstreamTime > 0 {
		latencyPerToken := m.UpstreamTime.Seconds() / float64(m.OutputTokens)
		LatencyPerOutputToken.WithLabelValues(
			labels.Model, labels.ModelGroup, labels.APIProvider,
		).Observe(latencyPerToken)
	}

	tokenLabels := []string{labels.Model, labels.ModelGroup, labels.APIProvider}

	if m.TotalTokens > 0 {
		TotalTokens.WithLabelValues(tokenLabels...).Add(float64(m.TotalTokens))
	}
	if m.InputTokens > 0 {
		InputTokens.WithLabelValues(tokenLabels...).Add(float64(m.InputTokens))
	}
	if m.OutputTokens > 0 {
		OutputTokens.WithLabelValues(tokenLabels...).Add(float64(m.OutputTokens))
	}

	if m.Cost > 0 {
		TotalSpend.WithLabelValues(tokenLabels...).Add(m.Cost)
	}

	if labels.DeploymentID != "" {
		deploymentLabels := []string{
			labels.DeploymentID, labels.Model, labels.ModelGroup,
			labels.APIProvider, labels.APIBase,
		}

		DeploymentTotalRequests.WithLabelValues(deploymentLabels...).Inc()

		if m.Success {
			DeploymentSuccessResponses.WithLabelValues(deploymentLabels...).Inc()
			DeploymentState.WithLabelValues(deploymentLabels...).Set(DeploymentStateHealthy)
		} else {
			DeploymentFailureResponses.WithLabelValues(
				labels.DeploymentID, labels.Model, labels.ModelGroup,
				labels.APIProvider, labels.APIBase, labels.ExceptionStatus,
			).Inc()
		}

		if m.OutputTokens > 0 && m.UpstreamTime > 0 {
			latencyPerToken := m.UpstreamTime.Seconds() / float64(m.OutputTokens)
			DeploymentLatencyPerOutputToken.WithLabelValues(
				labels.DeploymentID, labels.Model, labels.ModelGroup, labels.APIProvider,
			).Observe(latencyPerToken)
		}
	}
}

// RecordFallback records a fallback attempt from the retry/fallback
// engine (spec §4.5).
func (c *Collector) RecordFallback(originalModel, fallbackModel, provider, exceptionStatus, exceptionClass string, success bool) {
	labels := []string{originalModel, fallbackModel, provider, exceptionStatus, exceptionClass}

	if success {
		FallbackSuccessful.WithLabelValues(labels...).Inc()
	} else {
		FallbackFailed.WithLabelValues(labels...).Inc()
	}
}

// RecordDeploymentCooldown records when a deployment enters cooldown
// (spec §4.3 health tracker).
func (c *Collector) RecordDeploymentCooldown(deploymentID, model, modelGroup, provider, apiBase string) {
	DeploymentCooledDown.WithLabelValues(deploymentID, model, modelGroup, provider, apiBase).Inc()
	DeploymentState.WithLabelValues(deploymentID, model, modelGroup, provider, apiBase).Set(DeploymentStateFailed)
}

// RecordActiveRequest increments/decrements the in-flight request gauge
// for a deployment; delta is +1 on dispatch and -1 on completion.
func (c *Collector) RecordActiveRequest(deploymentID, model, provider string, delta float64) {
	ActiveRequests.WithLabelValues(deploymentID, model, provider).Add(delta)
}

// UpdateRateLimitMetrics updates rate limit gauge metrics from a
// provider's response headers (e.g. x-ratelimit-remaining-requests).
func (c *Collector) UpdateRateLimitMetrics(model, provider, apiBase string, remainingRequests, remainingTokens int64) {
	if remainingRequests >= 0 {
		RemainingRequests.WithLabelValues(model, provider, apiBase).Set(float64(remainingRequests))
	}
	if remainingTokens >= 0 {
		RemainingTokens.WithLabelValues(model, provider, apiBase).Set(float64(remainingTokens))
	}
}
