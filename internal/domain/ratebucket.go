package domain

import "time"

// RateBucket is the per-upstream-host state of the rate limiter's token
// bucket. Invariant: Tokens never exceeds Capacity; refills are computed
// from elapsed wall-clock time, never ticked independently, so they stay
// monotonic even across idle periods.
type RateBucket struct {
	Host       string
	Tokens     float64
	Capacity   float64
	RefillRate float64 // tokens per second
	LastRefill time.Time
	ResetAfter time.Time // zero when no upstream-signalled backoff is active
}
