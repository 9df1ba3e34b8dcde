// Package ratelimit bounds request bursts per tenant with a sliding window log.
// It is independent from daily and monthly quotas.
package ratelimit

import (
	"context"
	"time"
)

// Unlimited disables the limit for a key. Zero does too: a tenant record
// without a rate limit is not throttled.
const Unlimited = -1

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window expires.
	ResetAt time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// Limiter admits at most limit calls per key within any rolling window.
// A limit of zero or below admits everything.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

func unlimited(now time.Time) Decision {
	return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: now}
}

func decide(now, oldest time.Time, window time.Duration, limit, count int, allowed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   oldest.Add(window),
	}
	if !allowed {
		d.RetryAfter = max(d.ResetAt.Sub(now), 0)
	}
	return d
}
