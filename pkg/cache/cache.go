// Package cache defines the storage interface shared by the Router's
// internal bookkeeping (cooldown markers, sliding-window failure counters,
// per-deployment usage counters) and the Client's own use of the same store
// for response caching and prompt-cache affinity. It is a generic
// byte-string KV contract, not a response-cache-specific API — callers
// choose their own key namespaces ("chat:" for cached completion bodies,
// "prompt_cache:" for affinity hints; see the root package's client.go and
// prompt_cache.go) and TTLs.
//
// Prompt-cache affinity (routing repeat requests for the same prompt back
// to the deployment that last served it, so a provider-side prompt cache
// stays warm) is implemented on top of this store: prompt_cache.go computes
// a fingerprint from the request's messages and uses Get/Set against this
// Cache to record and look up the last deployment that served it. The
// precall pipeline (`routers/base.go`'s `PickWithContext`) consults that
// hint via `RequestContext.PreferredDeploymentID` right after the region
// filter, short-circuiting straight to the preferred deployment if it's
// still among the healthy candidates.
package cache

import (
	"context"
	"time"
)

// Type identifies a cache backend.
type Type string

const (
	TypeLocal Type = "local" // in-memory only, single-process
	TypeRedis Type = "redis" // shared Redis only, no local tier
	TypeDual  Type = "dual"  // in-memory L1 in front of a shared Redis L2
)

// Cache is the store the Router reads and writes during routing decisions.
// Every operation is best-effort from the caller's point of view: a Cache
// failure degrades routing (e.g. a cooldown marker that didn't persist)
// but must never fail the underlying LLM call.
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. ttl <= 0 means "no expiry".
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr atomically increments the integer counter at key by delta,
	// creating it at delta with the given TTL if absent, and returns the
	// new value. Backs sliding-window failure counts and usage counters.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// FlushLocal clears only the in-process tier, leaving any shared
	// tier untouched. A no-op on backends with no local tier.
	FlushLocal()

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases resources held by the cache.
	Close() error

	// Stats reports hit/miss/error counters for observability.
	Stats() Stats
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}
