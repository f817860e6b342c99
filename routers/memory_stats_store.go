package routers

import (
	"context"
	"sync"
	"time"

	llmerrors "github.com/blueberrycongee/llmux/pkg/errors"
)

// defaultLatencyHistorySize bounds how many latency/TTFT samples a
// deployment keeps for the lowest-latency strategy's average.
const defaultLatencyHistorySize = 10

// timeoutPenaltyMs is appended to a deployment's latency history on a
// timeout/gateway-timeout failure so lowest-latency routing treats a
// deployment that just timed out as the slowest candidate, not an
// unknown one, until fresh successes push the penalty out of the window.
const timeoutPenaltyMs = 1_000_000.0

// MemoryStatsStore is the single-process implementation of the Router
// core's cooldown/usage-counter bookkeeping (spec §4.1 cache, §4.3 health
// tracker): per-deployment request counts, rolling latency history, and
// the cooldown deadline PreCallChecks filters on. All state lives in a
// mutex-guarded map, so it is lost on restart and never shared across
// replicas — RedisStatsStore exists for that case.
type MemoryStatsStore struct {
	mu    sync.RWMutex
	stats map[string]*DeploymentStats

	historySize int
}

// NewMemoryStatsStore creates a store using defaultLatencyHistorySize.
func NewMemoryStatsStore() *MemoryStatsStore {
	return NewMemoryStatsStoreWithConfig(defaultLatencyHistorySize)
}

// NewMemoryStatsStoreWithConfig creates a store that keeps historySize
// latency/TTFT samples per deployment.
func NewMemoryStatsStoreWithConfig(historySize int) *MemoryStatsStore {
	if historySize <= 0 {
		historySize = defaultLatencyHistorySize
	}
	return &MemoryStatsStore{
		stats:       make(map[string]*DeploymentStats),
		historySize: historySize,
	}
}

// GetStats retrieves statistics for a deployment.
func (m *MemoryStatsStore) GetStats(ctx context.Context, deploymentID string) (*DeploymentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stats[deploymentID]
	if !ok {
		return nil, ErrStatsNotFound
	}

	// Return a deep copy so the caller can't mutate the store's slices.
	statsCopy := *stats
	statsCopy.LatencyHistory = append([]float64{}, stats.LatencyHistory...)
	statsCopy.TTFTHistory = append([]float64{}, stats.TTFTHistory...)

	return &statsCopy, nil
}

// IncrementActiveRequests atomically increments the active request count.
func (m *MemoryStatsStore) IncrementActiveRequests(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateStatsLocked(deploymentID).ActiveRequests++
	return nil
}

// DecrementActiveRequests atomically decrements the active request count.
func (m *MemoryStatsStore) DecrementActiveRequests(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateStatsLocked(deploymentID)
	if stats.ActiveRequests > 0 {
		stats.ActiveRequests--
	}
	return nil
}

// RecordSuccess records a successful request with its metrics.
func (m *MemoryStatsStore) RecordSuccess(ctx context.Context, deploymentID string, metrics *ResponseMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateStatsLocked(deploymentID)
	stats.TotalRequests++
	stats.SuccessCount++
	stats.LastRequestTime = time.Now()

	latencyMs := float64(metrics.Latency.Milliseconds())
	m.appendToHistoryLocked(&stats.LatencyHistory, latencyMs)
	stats.AvgLatencyMs = ewma(stats.AvgLatencyMs, latencyMs)

	if metrics.TimeToFirstToken > 0 {
		ttftMs := float64(metrics.TimeToFirstToken.Milliseconds())
		m.appendToHistoryLocked(&stats.TTFTHistory, ttftMs)
		stats.AvgTTFTMs = ewma(stats.AvgTTFTMs, ttftMs)
	}

	m.recordUsageLocked(stats, metrics.TotalTokens)
	return nil
}

// RecordFailure records a failed request. A timeout-flavored error adds a
// latency penalty so lowest-latency routing deprioritizes the deployment.
// It never sets a cooldown, and BaseRouter.ReportFailure in store mode only
// calls RecordFailure, so a cooldown in this store comes only from SetCooldown.
func (m *MemoryStatsStore) RecordFailure(ctx context.Context, deploymentID string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateStatsLocked(deploymentID)
	stats.TotalRequests++
	stats.FailureCount++
	stats.LastRequestTime = time.Now()

	if llmErr, ok := err.(*llmerrors.LLMError); ok {
		if llmErr.StatusCode == 408 || llmErr.StatusCode == 504 {
			m.appendToHistoryLocked(&stats.LatencyHistory, timeoutPenaltyMs)
		}
	}

	return nil
}

// SetCooldown sets the cooldown deadline PreCallChecks excludes the
// deployment until.
func (m *MemoryStatsStore) SetCooldown(ctx context.Context, deploymentID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateStatsLocked(deploymentID).CooldownUntil = until
	return nil
}

// GetCooldownUntil returns the cooldown expiration time for a deployment.
func (m *MemoryStatsStore) GetCooldownUntil(ctx context.Context, deploymentID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stats[deploymentID]
	if !ok {
		return time.Time{}, nil
	}
	return stats.CooldownUntil, nil
}

// ListDeployments returns all deployment IDs that have stats recorded.
func (m *MemoryStatsStore) ListDeployments(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.stats))
	for id := range m.stats {
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteStats removes all stats for a deployment.
func (m *MemoryStatsStore) DeleteStats(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.stats, deploymentID)
	return nil
}

// Close resets the store. Memory-backed, so there's no connection to
// release — this exists to satisfy StatsStore's lifecycle contract.
func (m *MemoryStatsStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]*DeploymentStats)
	return nil
}

// getOrCreateStatsLocked returns existing stats or creates new ones.
// MUST be called with m.mu held.
func (m *MemoryStatsStore) getOrCreateStatsLocked(deploymentID string) *DeploymentStats {
	stats, ok := m.stats[deploymentID]
	if !ok {
		stats = &DeploymentStats{
			MaxLatencyListSize: m.historySize,
			LatencyHistory:     make([]float64, 0, m.historySize),
			TTFTHistory:        make([]float64, 0, m.historySize),
		}
		m.stats[deploymentID] = stats
	}
	return stats
}

// appendToHistoryLocked pushes value into a fixed-size rolling window,
// evicting the oldest sample once the window is full.
// MUST be called with m.mu held.
func (m *MemoryStatsStore) appendToHistoryLocked(history *[]float64, value float64) {
	limit := m.historySize
	if limit <= 0 {
		limit = defaultLatencyHistorySize
	}

	if len(*history) < limit {
		*history = append(*history, value)
		return
	}
	copy((*history)[0:], (*history)[1:])
	(*history)[len(*history)-1] = value
}

// recordUsageLocked rolls the TPM/RPM counters over to a fresh minute
// bucket when the wall-clock minute changes.
// MUST be called with m.mu held.
func (m *MemoryStatsStore) recordUsageLocked(stats *DeploymentStats, tokens int) {
	bucket := time.Now().Format("2006-01-02-15-04")

	if stats.CurrentMinuteKey != bucket {
		stats.CurrentMinuteKey = bucket
		stats.CurrentMinuteTPM = 0
		stats.CurrentMinuteRPM = 0
	}

	stats.CurrentMinuteTPM += int64(tokens)
	stats.CurrentMinuteRPM++
}

// ewma applies a fixed-weight exponential moving average, seeding with
// the first sample so one data point doesn't get diluted toward zero.
func ewma(current, sample float64) float64 {
	const weight = 0.1
	if current == 0 {
		return sample
	}
	return current*(1-weight) + sample*weight
}
