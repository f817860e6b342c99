package routers

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux/internal/metrics"
	llmerrors "github.com/blueberrycongee/llmux/pkg/errors"
	"github.com/blueberrycongee/llmux/pkg/provider"
	"github.com/blueberrycongee/llmux/pkg/router"
)

// ErrNoAvailableDeployment is returned when no healthy deployment is available.
var ErrNoAvailableDeployment = errors.New("no available deployment for model")

// ErrNoDeploymentsWithTag is returned when no deployments match the requested tags.
var ErrNoDeploymentsWithTag = errors.New("no deployments match the requested tags")

var deploymentMetrics = metrics.NewCollector()

// statsEntry tracks performance metrics for a deployment.
type statsEntry struct {
	TotalRequests      int64
	SuccessCount       int64
	FailureCount       int64
	ActiveRequests     int64
	LatencyHistory     []float64
	TTFTHistory        []float64
	FailureBuckets     []failureBucket
	AvgLatencyMs       float64
	AvgTTFTMs          float64
	MaxLatencyListSize int
	CurrentMinuteTPM   int64
	CurrentMinuteRPM   int64
	CurrentMinuteKey   string
	LastRequestTime    time.Time
	CooldownUntil      time.Time

	// RecentFailures holds timestamps of transient failures still inside
	// AllowedFailsWindow, for the rolling allowed_fails counter.
	RecentFailures []time.Time

	// ConsecutiveCooldowns counts short cooldowns entered back-to-back
	// without an intervening success, driving ShortCooldown's growth.
	// Reset to 0 on the next reported success.
	ConsecutiveCooldowns int
}

type failureBucket struct {
	minute  int64
	success int64
	failure int64
}

const (
	defaultFailureWindowMinutes          = 5
	defaultFailureBucketSeconds          = 60
	defaultSingleDeploymentFailureMinReq = 1000
)

// BaseRouter provides common functionality for all routing strategies.
// Specific strategies embed this and override the selection logic.
//
// BaseRouter supports two modes of operation:
//   - Local mode (default): Stats are stored in memory, suitable for single-instance deployments
//   - Distributed mode: Stats are stored in a StatsStore (e.g., Redis), suitable for multi-instance deployments
type BaseRouter struct {
	mu          sync.RWMutex
	rngMu       sync.Mutex
	deployments map[string][]*ExtendedDeployment
	stats       map[string]*statsEntry
	config      router.Config
	rng         *rand.Rand
	strategy    router.Strategy

	// statsStore is an optional distributed stats store.
	// When nil, local stats map is used (backward compatible).
	// When set, stats operations delegate to the store (distributed mode).
	statsStore router.StatsStore
}

// NewBaseRouter creates a new base router with the given configuration.
// This creates a router in local mode (stats stored in memory).
func NewBaseRouter(config router.Config) *BaseRouter {
	return &BaseRouter{
		deployments: make(map[string][]*ExtendedDeployment),
		stats:       make(map[string]*statsEntry),
		config:      config,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		strategy:    config.Strategy,
		statsStore:  nil, // Local mode
	}
}

// NewBaseRouterWithStore creates a new base router with a distributed stats store.
// This enables multi-instance deployments to share routing statistics.
func NewBaseRouterWithStore(config router.Config, store router.StatsStore) *BaseRouter {
	r := NewBaseRouter(config)
	r.statsStore = store
	return r
}

// GetStrategy returns the current routing strategy.
func (r *BaseRouter) GetStrategy() router.Strategy {
	return r.strategy
}

// GetDeploymentConfig returns the DeploymentConfig registered for a
// deployment ID, searching every model bucket it's been added under.
func (r *BaseRouter) GetDeploymentConfig(deploymentID string) (router.DeploymentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, deps := range r.deployments {
		for _, d := range deps {
			if d.ID == deploymentID {
				return d.Config, true
			}
		}
	}
	return router.DeploymentConfig{}, false
}

func (r *BaseRouter) randIntn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func (r *BaseRouter) randFloat64() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

func (r *BaseRouter) randShuffle(n int, swap func(i, j int)) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng.Shuffle(n, swap)
}

// AddDeployment registers a new deployment with default configuration.
func (r *BaseRouter) AddDeployment(deployment *provider.Deployment) {
	r.AddDeploymentWithConfig(deployment, router.DeploymentConfig{})
}

// AddDeploymentWithConfig registers a deployment with routing configuration.
func (r *BaseRouter) AddDeploymentWithConfig(deployment *provider.Deployment, config router.DeploymentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	model := deployment.ModelName
	if deployment.ModelAlias != "" {
		model = deployment.ModelAlias
	}

	extended := &ExtendedDeployment{
		Deployment: deployment,
		Config:     config,
	}

	r.deployments[model] = append(r.deployments[model], extended)
	if deployment.ProviderName != "" && model != "" {
		key := deployment.ProviderName + "/" + model
		r.deployments[key] = append(r.deployments[key], extended)
	}
	r.stats[deployment.ID] = r.newStatsEntry()
}

// RemoveDeployment removes a deployment from the router.
func (r *BaseRouter) RemoveDeployment(deploymentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for model, deps := range r.deployments {
		for i, d := range deps {
			if d.ID == deploymentID {
				r.deployments[model] = append(deps[:i], deps[i+1:]...)
				break
			}
		}
	}
	delete(r.stats, deploymentID)
}

// GetDeployments returns all deployments for a model.
func (r *BaseRouter) GetDeployments(model string) []*provider.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deps := r.deployments[model]
	if len(deps) == 0 && strings.Contains(model, "/") {
		if stripped := model[strings.LastIndex(model, "/")+1:]; stripped != "" {
			deps = r.deployments[stripped]
		}
	}
	result := make([]*provider.Deployment, len(deps))
	for i, d := range deps {
		result[i] = d.Deployment
	}
	return result
}

func (r *BaseRouter) snapshotDeployments(model string) []*ExtendedDeployment {
	r.mu.RLock()
	deps := r.deployments[model]
	if len(deps) == 0 && strings.Contains(model, "/") {
		if stripped := model[strings.LastIndex(model, "/")+1:]; stripped != "" {
			deps = r.deployments[stripped]
		}
	}
	if len(deps) == 0 {
		r.mu.RUnlock()
		return nil
	}
	copyDeps := make([]*ExtendedDeployment, len(deps))
	copy(copyDeps, deps)
	r.mu.RUnlock()
	return copyDeps
}

// GetStats returns the current stats for a deployment.
func (r *BaseRouter) GetStats(deploymentID string) *router.DeploymentStats {
	if r.statsStore != nil {
		stats, err := r.statsStore.GetStats(context.Background(), deploymentID)
		if err == nil {
			return stats
		}
		if !errors.Is(err, router.ErrStatsNotFound) {
			if local := r.localStatsSnapshot(deploymentID); local != nil {
				return local
			}
		}
		return nil
	}

	return r.localStatsSnapshot(deploymentID)
}

func (r *BaseRouter) localStatsSnapshot(deploymentID string) *router.DeploymentStats {
	r.mu.RLock()
	stats := r.stats[deploymentID]
	snapshot := r.statsEntrySnapshot(stats)
	r.mu.RUnlock()
	return snapshot
}

func (r *BaseRouter) statsEntrySnapshot(stats *statsEntry) *router.DeploymentStats {
	if stats == nil {
		return nil
	}
	latencyHistory := append([]float64{}, stats.LatencyHistory...)
	ttftHistory := append([]float64{}, stats.TTFTHistory...)
	return &router.DeploymentStats{
		TotalRequests:      stats.TotalRequests,
		SuccessCount:       stats.SuccessCount,
		FailureCount:       stats.FailureCount,
		ActiveRequests:     stats.ActiveRequests,
		LatencyHistory:     latencyHistory,
		TTFTHistory:        ttftHistory,
		AvgLatencyMs:       stats.AvgLatencyMs,
		AvgTTFTMs:          stats.AvgTTFTMs,
		MaxLatencyListSize: stats.MaxLatencyListSize,
		CurrentMinuteTPM:   stats.CurrentMinuteTPM,
		CurrentMinuteRPM:   stats.CurrentMinuteRPM,
		CurrentMinuteKey:   stats.CurrentMinuteKey,
		LastRequestTime:    stats.LastRequestTime,
		CooldownUntil:      stats.CooldownUntil,
	}
}

func (r *BaseRouter) statsSnapshot(ctx context.Context, deployments []*ExtendedDeployment) map[string]*router.DeploymentStats {
	if len(deployments) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	statsByID := make(map[string]*router.DeploymentStats, len(deployments))
	if r.statsStore != nil {
		for _, d := range deployments {
			stats, err := r.statsStore.GetStats(ctx, d.ID)
			if err != nil {
				if errors.Is(err, router.ErrStatsNotFound) {
					continue
				}
				if local := r.localStatsSnapshot(d.ID); local != nil {
					statsByID[d.ID] = local
				}
				continue
			}
			statsByID[d.ID] = stats
		}
		return statsByID
	}

	r.mu.RLock()
	for _, d := range deployments {
		if stats := r.stats[d.ID]; stats != nil {
			statsByID[d.ID] = r.statsEntrySnapshot(stats)
		}
	}
	r.mu.RUnlock()
	return statsByID
}

// IsCircuitOpen checks if the deployment is in cooldown.
func (r *BaseRouter) IsCircuitOpen(deployment *provider.Deployment) bool {
	// Distributed mode: check via StatsStore
	if r.statsStore != nil {
		cooldownUntil, err := r.statsStore.GetCooldownUntil(context.Background(), deployment.ID)
		if err != nil {
			// Fail-safe: assume not in cooldown if store error
			return false
		}
		return time.Now().Before(cooldownUntil)
	}

	// Local mode: use local stats map
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats, ok := r.stats[deployment.ID]
	if !ok {
		return false
	}
	return time.Now().Before(stats.CooldownUntil)
}

// SetCooldown updates the cooldown expiration time for a deployment.
// A zero time clears any active cooldown.
func (r *BaseRouter) SetCooldown(deploymentID string, until time.Time) error {
	if r.statsStore != nil {
		ctx := context.Background()
		before, _ := r.statsStore.GetCooldownUntil(ctx, deploymentID)
		if err := r.statsStore.SetCooldown(ctx, deploymentID, until); err != nil {
			return err
		}
		r.recordCooldownMetric(r.findDeploymentByID(deploymentID), before, until)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.getOrCreateStats(deploymentID)
	before := stats.CooldownUntil
	stats.CooldownUntil = until
	r.recordCooldownMetric(r.findDeploymentByIDLocked(deploymentID), before, until)
	return nil
}

// ReportRequestStart increments the active request count.
func (r *BaseRouter) ReportRequestStart(ctx context.Context, deployment *provider.Deployment) {
	if deployment != nil {
		deploymentMetrics.RecordActiveRequest(deployment.ID, deployment.ModelName, deployment.ProviderName, 1)
	}
	// Distributed mode: delegate to StatsStore
	if r.statsStore != nil {
		// Fail-safe: ignore errors
		_ = r.statsStore.IncrementActiveRequests(ctx, deployment.ID)
		return
	}

	// Local mode: use local stats map
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.getOrCreateStats(deployment.ID)
	stats.ActiveRequests++
}

// ReportRequestEnd decrements the active request count.
func (r *BaseRouter) ReportRequestEnd(ctx context.Context, deployment *provider.Deployment) {
	if deployment != nil {
		deploymentMetrics.RecordActiveRequest(deployment.ID, deployment.ModelName, deployment.ProviderName, -1)
	}
	// Distributed mode: delegate to StatsStore
	if r.statsStore != nil {
		// Fail-safe: ignore errors
		_ = r.statsStore.DecrementActiveRequests(ctx, deployment.ID)
		return
	}

	// Local mode: use local stats map
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.getOrCreateStats(deployment.ID)
	if stats.ActiveRequests > 0 {
		stats.ActiveRequests--
	}
}

// ReportSuccess records a successful request with metrics.
func (r *BaseRouter) ReportSuccess(ctx context.Context, deployment *provider.Deployment, metrics *router.ResponseMetrics) {
	// Distributed mode: delegate to StatsStore
	if r.statsStore != nil {
		// Fail-safe: ignore errors
		_ = r.statsStore.RecordSuccess(ctx, deployment.ID, metrics)
		return
	}

	// Local mode: use local stats map
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.getOrCreateStats(deployment.ID)
	stats.TotalRequests++
	stats.SuccessCount++
	now := time.Now()
	stats.LastRequestTime = now
	r.recordWindowSuccess(stats, now)
	stats.RecentFailures = nil
	stats.ConsecutiveCooldowns = 0

	latencyMs := float64(metrics.Latency.Milliseconds())
	r.appendToHistory(&stats.LatencyHistory, latencyMs, stats.MaxLatencyListSize)

	if metrics.TimeToFirstToken > 0 {
		ttftMs := float64(metrics.TimeToFirstToken.Milliseconds())
		r.appendToHistory(&stats.TTFTHistory, ttftMs, stats.MaxLatencyListSize)
	}

	if stats.AvgLatencyMs == 0 {
		stats.AvgLatencyMs = latencyMs
	} else {
		stats.AvgLatencyMs = stats.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	r.updateUsageStats(stats, metrics.TotalTokens)
}

// ReportFailure records a failed request and drives the two-state health
// tracker: auth/not-found/permission/context-window errors cool a
// deployment down immediately for LongCooldown, everything else (timeouts,
// 5xx, connection resets, rate limits) only counts toward a rolling
// AllowedFails window and earns a ShortCooldown — one that grows with
// consecutive cooldowns up to MaxShortCooldown — once the window fills.
// A deployment that is alone in its model group skips the AllowedFails
// window and earns LongCooldown only after 1000 requests that all failed.
// With a StatsStore set, the store records the failure and decides.
func (r *BaseRouter) ReportFailure(ctx context.Context, deployment *provider.Deployment, err error) {
	// Distributed mode: delegate to StatsStore
	if r.statsStore != nil {
		// Fail-safe: ignore errors
		beforeCooldown, _ := r.statsStore.GetCooldownUntil(ctx, deployment.ID)
		isSingleDeployment := r.isSingleDeployment(deployment)
		if recorder, ok := r.statsStore.(failureRecordWithOptions); ok {
			_ = recorder.RecordFailureWithOptions(
				ctx,
				deployment.ID,
				err,
				failureRecordOptions{isSingleDeployment: isSingleDeployment},
			)
		} else {
			_ = r.statsStore.RecordFailure(ctx, deployment.ID, err)
		}
		afterCooldown, _ := r.statsStore.GetCooldownUntil(ctx, deployment.ID)
		r.recordCooldownMetric(deployment, beforeCooldown, afterCooldown)
		return
	}

	// Local mode: use local stats map
	isSingleDeployment := r.isSingleDeployment(deployment)
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.getOrCreateStats(deployment.ID)
	beforeCooldown := stats.CooldownUntil
	stats.TotalRequests++
	stats.FailureCount++
	now := time.Now()
	stats.LastRequestTime = now
	r.recordWindowFailure(stats, now)

	var llmErr *llmerrors.LLMError
	isLLMErr := errors.As(err, &llmErr)

	// Immediate long cooldown: auth, permission, not-found, or a context
	// window that can never fit — retrying the same deployment can't help.
	if llmerrors.IsImmediateCooldownKind(err) {
		stats.CooldownUntil = now.Add(r.longCooldown())
		stats.RecentFailures = nil
		r.recordCooldownMetric(deployment, beforeCooldown, stats.CooldownUntil)
		return
	}

	if isLLMErr && (llmErr.StatusCode == 408 || llmErr.StatusCode == 504) {
		// Timeouts still skew latency stats even though they're transient.
		r.appendToHistory(&stats.LatencyHistory, 1000000.0, stats.MaxLatencyListSize)
	}

	if isSingleDeployment {
		// With only one deployment behind a model group, falling back is
		// impossible, so keep the coarser failure-rate heuristic instead
		// of cooling down after a handful of allowed_fails.
		if r.shouldCooldownByFailureRate(stats, now, isSingleDeployment) {
			stats.CooldownUntil = now.Add(r.longCooldown())
			stats.RecentFailures = nil
			r.recordCooldownMetric(deployment, beforeCooldown, stats.CooldownUntil)
		}
		return
	}

	// Transient failure: accumulate in the rolling allowed_fails window.
	stats.RecentFailures = pruneOlderThan(append(stats.RecentFailures, now), now.Add(-r.allowedFailsWindow()))
	if len(stats.RecentFailures) >= r.allowedFails() {
		stats.CooldownUntil = now.Add(r.shortCooldownFor(stats))
		stats.RecentFailures = nil
		r.recordCooldownMetric(deployment, beforeCooldown, stats.CooldownUntil)
	}
}

// pruneOlderThan drops timestamps at or before cutoff, preserving order.
func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (r *BaseRouter) allowedFails() int {
	if r.config.AllowedFails > 0 {
		return r.config.AllowedFails
	}
	return 3
}

func (r *BaseRouter) allowedFailsWindow() time.Duration {
	if r.config.AllowedFailsWindow > 0 {
		return r.config.AllowedFailsWindow
	}
	return 60 * time.Second
}

func (r *BaseRouter) longCooldown() time.Duration {
	if r.config.LongCooldown > 0 {
		return r.config.LongCooldown
	}
	if r.config.CooldownPeriod > 0 {
		return r.config.CooldownPeriod
	}
	return 60 * time.Second
}

func (r *BaseRouter) baseShortCooldown() time.Duration {
	if r.config.ShortCooldown > 0 {
		return r.config.ShortCooldown
	}
	return 1 * time.Second
}

func (r *BaseRouter) maxShortCooldown() time.Duration {
	if r.config.MaxShortCooldown > 0 {
		return r.config.MaxShortCooldown
	}
	return 60 * time.Second
}

// shortCooldownFor returns the cooldown duration for the deployment's
// next short cooldown, growing by CooldownGrowthFactor for every
// consecutive cooldown already recorded, capped at maxShortCooldown.
func (r *BaseRouter) shortCooldownFor(stats *statsEntry) time.Duration {
	factor := r.config.CooldownGrowthFactor
	if factor <= 1 {
		factor = 2
	}
	ceiling := r.maxShortCooldown()
	d := r.baseShortCooldown()
	for i := 0; i < stats.ConsecutiveCooldowns; i++ {
		if d >= ceiling {
			break
		}
		d = time.Duration(float64(d) * factor)
	}
	if d > ceiling {
		d = ceiling
	}
	stats.ConsecutiveCooldowns++
	return d
}

// shouldCooldownByFailureRate checks if deployment should enter cooldown based on failure rate.
// Returns true if failure rate exceeds threshold AND minimum request count is met.
func (r *BaseRouter) shouldCooldownByFailureRate(stats *statsEntry, now time.Time, isSingleDeployment bool) bool {
	successTotal, failureTotal := r.windowTotals(stats, now)
	total := successTotal + failureTotal
	if total == 0 {
		return false
	}
	if isSingleDeployment {
		return total >= int64(r.singleDeploymentFailureThreshold()) && failureTotal == total
	}
	if total < int64(r.config.MinRequestsForThreshold) {
		return false // Not enough requests to determine failure rate
	}

	failureRate := float64(failureTotal) / float64(total)
	return failureRate > r.config.FailureThresholdPercent
}

func (r *BaseRouter) getHealthyDeployments(deployments []*ExtendedDeployment, statsByID map[string]*router.DeploymentStats) []*ExtendedDeployment {
	if len(deployments) == 0 {
		return nil
	}

	now := time.Now()
	healthy := make([]*ExtendedDeployment, 0, len(deployments))
	for _, d := range deployments {
		stats := statsByID[d.ID]
		if stats == nil || now.After(stats.CooldownUntil) {
			healthy = append(healthy, d)
		}
	}
	return healthy
}

func (r *BaseRouter) filterByTags(deployments []*ExtendedDeployment, tags []string) []*ExtendedDeployment {
	if len(tags) == 0 {
		defaults := make([]*ExtendedDeployment, 0)
		for _, d := range deployments {
			if containsTag(d.Config.Tags, "default") {
				defaults = append(defaults, d)
			}
		}
		if len(defaults) > 0 {
			return defaults
		}
		return deployments
	}

	matched := make([]*ExtendedDeployment, 0)
	defaults := make([]*ExtendedDeployment, 0)

	for _, d := range deployments {
		if len(d.Config.Tags) == 0 {
			continue
		}
		if hasMatchingTag(d.Config.Tags, tags) {
			matched = append(matched, d)
		}
		if containsTag(d.Config.Tags, "default") {
			defaults = append(defaults, d)
		}
	}

	if len(matched) > 0 {
		return matched
	}
	if len(defaults) > 0 {
		return defaults
	}
	return nil
}

// filterByContextWindow drops deployments whose MaxInputTokens can't fit
// the estimated prompt. An estimate of zero (couldn't be computed) never
// drops a candidate — failing open beats excluding a deployment on a
// guess.
func (r *BaseRouter) filterByContextWindow(deployments []*ExtendedDeployment, estimatedTokens int, reasons map[string][]string) []*ExtendedDeployment {
	if estimatedTokens <= 0 {
		return deployments
	}
	filtered := make([]*ExtendedDeployment, 0, len(deployments))
	for _, d := range deployments {
		if d.Config.MaxInputTokens > 0 && estimatedTokens > d.Config.MaxInputTokens {
			if reasons != nil {
				reasons[d.ID] = append(reasons[d.ID], "context_window_too_small")
			}
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered
}

// filterByRegion drops deployments whose AllowedRegions doesn't include the
// requested region. A deployment with no AllowedRegions configured serves
// any region.
func (r *BaseRouter) filterByRegion(deployments []*ExtendedDeployment, region string, reasons map[string][]string) []*ExtendedDeployment {
	if region == "" {
		return deployments
	}
	filtered := make([]*ExtendedDeployment, 0, len(deployments))
	for _, d := range deployments {
		if len(d.Config.AllowedRegions) == 0 || containsTag(d.Config.AllowedRegions, region) {
			filtered = append(filtered, d)
			continue
		}
		if reasons != nil {
			reasons[d.ID] = append(reasons[d.ID], "region_not_allowed")
		}
	}
	return filtered
}

func (r *BaseRouter) filterByDefaultProvider(deployments []*ExtendedDeployment) []*ExtendedDeployment {
	if len(deployments) == 0 {
		return deployments
	}
	if r.config.DefaultProvider == "" {
		return deployments
	}

	preferred := make([]*ExtendedDeployment, 0, len(deployments))
	for _, d := range deployments {
		if d.ProviderName == r.config.DefaultProvider {
			preferred = append(preferred, d)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return deployments
}

func (r *BaseRouter) filterByTPMRPM(deployments []*ExtendedDeployment, statsByID map[string]*router.DeploymentStats, inputTokens int) []*ExtendedDeployment {
	filtered := make([]*ExtendedDeployment, 0, len(deployments))

	for _, d := range deployments {
		stats := statsByID[d.ID]
		if stats == nil {
			filtered = append(filtered, d)
			continue
		}

		if d.Config.TPMLimit > 0 && stats.CurrentMinuteTPM+int64(inputTokens) > d.Config.TPMLimit {
			continue
		}

		if d.Config.RPMLimit > 0 && stats.CurrentMinuteRPM+1 > d.Config.RPMLimit {
			continue
		}

		filtered = append(filtered, d)
	}

	return filtered
}

func (r *BaseRouter) getOrCreateStats(deploymentID string) *statsEntry {
	stats, ok := r.stats[deploymentID]
	if !ok {
		stats = r.newStatsEntry()
		r.stats[deploymentID] = stats
	}
	return stats
}

func (r *BaseRouter) newStatsEntry() *statsEntry {
	windowSize := r.failureWindowMinutes()
	buckets := make([]failureBucket, 0, windowSize)
	if windowSize > 0 {
		buckets = make([]failureBucket, windowSize)
	}
	return &statsEntry{
		MaxLatencyListSize: r.config.MaxLatencyListSize,
		LatencyHistory:     make([]float64, 0, r.config.MaxLatencyListSize),
		TTFTHistory:        make([]float64, 0, r.config.MaxLatencyListSize),
		FailureBuckets:     buckets,
	}
}

func (r *BaseRouter) failureWindowMinutes() int {
	return defaultFailureWindowMinutes
}

func (r *BaseRouter) singleDeploymentFailureThreshold() int {
	return defaultSingleDeploymentFailureMinReq
}

func (r *BaseRouter) recordWindowSuccess(stats *statsEntry, now time.Time) {
	r.recordWindow(stats, now, true)
}

func (r *BaseRouter) recordWindowFailure(stats *statsEntry, now time.Time) {
	r.recordWindow(stats, now, false)
}

func (r *BaseRouter) recordWindow(stats *statsEntry, now time.Time, success bool) {
	if len(stats.FailureBuckets) == 0 {
		return
	}
	minute := now.Unix() / defaultFailureBucketSeconds
	idx := int(minute % int64(len(stats.FailureBuckets)))
	bucket := &stats.FailureBuckets[idx]
	if bucket.minute != minute {
		stats.FailureBuckets[idx] = failureBucket{minute: minute}
		bucket = &stats.FailureBuckets[idx]
	}
	if success {
		bucket.success++
	} else {
		bucket.failure++
	}
}

func (r *BaseRouter) windowTotals(stats *statsEntry, now time.Time) (int64, int64) {
	if len(stats.FailureBuckets) == 0 {
		return 0, 0
	}
	currentMinute := now.Unix() / defaultFailureBucketSeconds
	cutoff := currentMinute - int64(r.failureWindowMinutes()-1)
	var successTotal, failureTotal int64
	for _, bucket := range stats.FailureBuckets {
		if bucket.minute >= cutoff {
			successTotal += bucket.success
			failureTotal += bucket.failure
		}
	}
	return successTotal, failureTotal
}

func (r *BaseRouter) isSingleDeployment(deployment *provider.Deployment) bool {
	model := deployment.ModelName
	if deployment.ModelAlias != "" {
		model = deployment.ModelAlias
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deployments[model]) == 1
}

func (r *BaseRouter) findDeploymentByID(deploymentID string) *provider.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findDeploymentByIDLocked(deploymentID)
}

func (r *BaseRouter) findDeploymentByIDLocked(deploymentID string) *provider.Deployment {
	for _, deps := range r.deployments {
		for _, d := range deps {
			if d.ID == deploymentID {
				return d.Deployment
			}
		}
	}
	return nil
}

func (r *BaseRouter) recordCooldownMetric(deployment *provider.Deployment, before, after time.Time) {
	if deployment == nil || after.IsZero() {
		return
	}
	now := time.Now()
	if now.After(after) {
		return
	}
	if !before.IsZero() && now.Before(before) {
		return
	}
	deploymentMetrics.RecordDeploymentCooldown(
		deployment.ID,
		deployment.ModelName,
		deployment.ModelAlias,
		deployment.ProviderName,
		deployment.BaseURL,
	)
}

func (r *BaseRouter) appendToHistory(history *[]float64, value float64, maxSize int) {
	if maxSize <= 0 {
		maxSize = 10
	}
	if len(*history) < maxSize {
		*history = append(*history, value)
	} else {
		copy((*history)[0:], (*history)[1:])
		(*history)[len(*history)-1] = value
	}
}

func (r *BaseRouter) updateUsageStats(stats *statsEntry, tokens int) {
	currentMinute := minuteKey(time.Now())

	if stats.CurrentMinuteKey != currentMinute {
		stats.CurrentMinuteKey = currentMinute
		stats.CurrentMinuteTPM = 0
		stats.CurrentMinuteRPM = 0
	}

	stats.CurrentMinuteTPM += int64(tokens)
	stats.CurrentMinuteRPM++
}

func calculateAverageLatency(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	return sum / float64(len(history))
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func hasMatchingTag(deploymentTags, requestTags []string) bool {
	for _, dt := range deploymentTags {
		for _, rt := range requestTags {
			if dt == rt {
				return true
			}
		}
	}
	return false
}

// Pick implements basic random selection (used as fallback).
func (r *BaseRouter) Pick(ctx context.Context, model string) (*provider.Deployment, error) {
	return r.PickWithContext(ctx, &router.RequestContext{Model: model})
}

// PickWithContext implements basic random selection with context, running
// the full precall filter pipeline: cooldown, context-window fit, region
// allowlist, tag match. Any candidate dropped by a filter is recorded in a
// per-deployment reason map; if the pipeline empties the candidate set,
// that map is surfaced verbatim via NoDeploymentsError.
func (r *BaseRouter) PickWithContext(ctx context.Context, reqCtx *router.RequestContext) (*provider.Deployment, error) {
	deployments := r.snapshotDeployments(reqCtx.Model)
	if len(deployments) == 0 {
		return nil, ErrNoAvailableDeployment
	}
	statsByID := r.statsSnapshot(ctx, deployments)

	reasons := make(map[string][]string, len(deployments))
	healthy := r.getHealthyDeployments(deployments, statsByID)
	if len(healthy) != len(deployments) {
		markDropped(deployments, healthy, reasons, "cooldown")
	}
	if len(healthy) == 0 {
		return nil, llmerrors.NewNoDeploymentsError(reqCtx.Model, reasons)
	}

	beforeContext := healthy
	healthy = r.filterByContextWindow(healthy, reqCtx.EstimatedInputTokens, reasons)
	if len(healthy) == 0 {
		markDropped(beforeContext, healthy, reasons, "")
		return nil, llmerrors.NewNoDeploymentsError(reqCtx.Model, reasons)
	}

	beforeRegion := healthy
	healthy = r.filterByRegion(healthy, reqCtx.Region, reasons)
	if len(healthy) == 0 {
		markDropped(beforeRegion, healthy, reasons, "")
		return nil, llmerrors.NewNoDeploymentsError(reqCtx.Model, reasons)
	}

	if d := affinityMatch(reqCtx, healthy); d != nil {
		return d.Deployment, nil
	}

	if r.config.EnableTagFiltering && len(reqCtx.Tags) > 0 {
		beforeTags := healthy
		healthy = r.filterByTags(healthy, reqCtx.Tags)
		if len(healthy) == 0 {
			markDropped(beforeTags, healthy, reasons, "tag mismatch")
			return nil, llmerrors.NewNoDeploymentsError(reqCtx.Model, reasons)
		}
	}

	healthy = r.filterByDefaultProvider(healthy)
	return healthy[r.randIntn(len(healthy))].Deployment, nil
}

// noDeployments builds a NoDeploymentsError recording every dropped
// candidate under a single reason. Strategy-specific Pick implementations
// that don't track per-filter reasons as granularly as the base router's
// generic PickWithContext use this instead of a bare sentinel error.
func (r *BaseRouter) noDeployments(model string, dropped []*ExtendedDeployment, reason string) error {
	reasons := make(map[string][]string, len(dropped))
	for _, d := range dropped {
		reasons[d.ID] = []string{reason}
	}
	return llmerrors.NewNoDeploymentsError(model, reasons)
}

// affinityMatch is the prompt-cache affinity precall step: if reqCtx names
// a PreferredDeploymentID and it is still among candidates (i.e. it
// survived cooldown/context-window/region filtering), return it so the
// caller can short-circuit its own strategy-specific scoring. Returns nil
// when there is no hint or the hinted deployment didn't survive — callers
// fall through to their normal selection in either case, never dropping
// the rest of the candidate set.
func affinityMatch(reqCtx *router.RequestContext, candidates []*ExtendedDeployment) *ExtendedDeployment {
	if reqCtx == nil || reqCtx.PreferredDeploymentID == "" {
		return nil
	}
	for _, d := range candidates {
		if d.ID == reqCtx.PreferredDeploymentID {
			return d
		}
	}
	return nil
}

// markDropped records, for every deployment in before that didn't survive
// into after, a reason in reasons. A blank fallback is only appended when
// the filter itself didn't already record a more specific reason.
func markDropped(before, after []*ExtendedDeployment, reasons map[string][]string, fallback string) {
	survived := make(map[string]bool, len(after))
	for _, d := range after {
		survived[d.ID] = true
	}
	for _, d := range before {
		if survived[d.ID] {
			continue
		}
		if fallback != "" {
			reasons[d.ID] = append(reasons[d.ID], fallback)
		} else if len(reasons[d.ID]) == 0 {
			reasons[d.ID] = append(reasons[d.ID], "filtered")
		}
	}
}
