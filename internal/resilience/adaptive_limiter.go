package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// AdaptiveLimiter bounds per-deployment concurrency for the Router core's
// PreCallChecks (spec §4.2): instead of a fixed max-in-flight count per
// deployment, it grows and shrinks the limit from observed round-trip
// latency, using the Gradient algorithm from Netflix's concurrency-limits.
// A deployment whose RTT climbs gets squeezed before it starts timing out
// or cooling down outright.
type AdaptiveLimiter struct {
	mu sync.Mutex

	// Config
	minLimit float64
	maxLimit float64
	alpha    float64 // Smoothing factor for limit updates

	// State
	limit    float64
	minRTT   time.Duration
	inflight int

	// Window tracking
	lastReset     time.Time
	rttSamples    []time.Duration
	maxSamples    int
	resetInterval time.Duration
}

// NewAdaptiveLimiter creates a new AdaptiveLimiter with default settings.
func NewAdaptiveLimiter(minLimit, maxLimit float64) *AdaptiveLimiter {
	if minLimit < 1 {
		minLimit = 1
	}
	if maxLimit < minLimit {
		maxLimit = minLimit
	}
	return &AdaptiveLimiter{
		minLimit:      minLimit,
		maxLimit:      maxLimit,
		limit:         minLimit,
		alpha:         0.1,
		maxSamples:    10,
		rttSamples:    make([]time.Duration, 0, 10),
		lastReset:     time.Now(),
		resetInterval: 5 * time.Minute,
	}
}

// TryAcquire attempts to acquire a permit for one in-flight call to this
// deployment. Returns false if the deployment is already at its current
// adaptive limit — the caller should treat that the same as a cooldown
// miss and route to the next candidate deployment.
func (l *AdaptiveLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if float64(l.inflight) >= math.Ceil(l.limit) {
		return false
	}

	l.inflight++
	return true
}

// Acquire polls TryAcquire until a permit frees up or ctx is canceled.
// PreCallChecks prefers TryAcquire so it can fall through to the next
// deployment immediately; Acquire exists for callers that would rather
// wait out a transient saturation than re-run the routing strategy.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Release releases a permit and updates the limit based on the observed RTT.
func (l *AdaptiveLimiter) Release(rtt time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inflight--
	if l.inflight < 0 {
		l.inflight = 0
	}

	if rtt <= 0 {
		return
	}

	// Periodically reset minRTT to allow it to drift upwards if network conditions change
	if time.Since(l.lastReset) > l.resetInterval {
		l.minRTT = rtt
		l.lastReset = time.Now()
	} else if l.minRTT <= 0 || rtt < l.minRTT {
		l.minRTT = rtt
	}

	// Add sample
	l.rttSamples = append(l.rttSamples, rtt)
	if len(l.rttSamples) >= l.maxSamples {
		l.updateLimit()
		l.rttSamples = l.rttSamples[:0]
	}
}

// updateLimit implements the Gradient algorithm.
// NewLimit = CurrentLimit * (MinRTT / ActualRTT) + Buffer
func (l *AdaptiveLimiter) updateLimit() {
	if len(l.rttSamples) == 0 || l.minRTT <= 0 {
		return
	}

	// Calculate average RTT in this window
	var sum time.Duration
	for _, r := range l.rttSamples {
		sum += r
	}
	avgRTT := sum / time.Duration(len(l.rttSamples))

	// Gradient = minRTT / avgRTT
	gradient := float64(l.minRTT) / float64(avgRTT)

	// To avoid being too aggressive, we can use a buffer
	// Netflix uses sqrt(limit) as a buffer
	buffer := math.Sqrt(l.limit)
	newLimit := l.limit*gradient + buffer

	// Smoothing
	l.limit = l.limit*(1-l.alpha) + newLimit*l.alpha

	// Bound the limit
	if l.limit < l.minLimit {
		l.limit = l.minLimit
	}
	if l.limit > l.maxLimit {
		l.limit = l.maxLimit
	}
}

// Limit returns the current concurrency limit.
func (l *AdaptiveLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(math.Ceil(l.limit))
}

// Inflight returns the current number of in-flight requests.
func (l *AdaptiveLimiter) Inflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}
