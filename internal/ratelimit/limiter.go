// Package ratelimit counts login attempts per key over a fixed window.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts attempts atomically. Allow increments the counter for key and
// compares it to limit in one step, so concurrent attempts cannot overshoot.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	// Reset clears key, e.g. after a successful login.
	Reset(ctx context.Context, key string) error
}
