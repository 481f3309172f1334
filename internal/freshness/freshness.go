// Package freshness decides whether cached artifacts may still be served or
// must be reloaded. Both checks are pure functions of timestamps and the
// supplied clock, so policy changes never touch cache plumbing.
package freshness

import "time"

// Reason explains a refresh decision.
type Reason string

const (
	ReasonNoCachedArtifact   Reason = "no_cached_artifact"
	ReasonOlderThanThreshold Reason = "older_than_threshold"
	ReasonFresh              Reason = "fresh"
)

// DefaultMaxAge is the absolute-age threshold after which a model bundle is
// reported as needing an out-of-band refresh.
const DefaultMaxAge = 7 * 24 * time.Hour

// Status is the answer to a needs-refresh query. It never blocks serving: the
// request path consults only tier TTLs, while the refresh collaborator acts
// on Status.
type Status struct {
	Stale  bool   `json:"stale"`
	Reason Reason `json:"reason"`
}

// IsStale reports whether a distributed-tier entry with the given expiry is
// logically expired. An entry past its expiry must not be served even if the
// store has not physically evicted it yet.
func IsStale(expiresAt, now time.Time) bool {
	return !expiresAt.After(now)
}

// NeedsRefresh classifies a bundle's absolute age. loadedAt is the registry
// build timestamp when present, else the bundle load time; the zero time
// means no cached artifact exists.
func NeedsRefresh(loadedAt time.Time, maxAge time.Duration, now time.Time) Status {
	if loadedAt.IsZero() {
		return Status{Stale: true, Reason: ReasonNoCachedArtifact}
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now.Sub(loadedAt) > maxAge {
		return Status{Stale: true, Reason: ReasonOlderThanThreshold}
	}
	return Status{Stale: false, Reason: ReasonFresh}
}
