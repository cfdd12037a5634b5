package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/termlab/termgate/internal/store"
)

const rateLimitKeyPrefix = "ratelimit:"

// RateLimitResult is the outcome of one admission attempt against the
// windowed counter.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts admission attempts per client IP in fixed windows,
// backed by the shared store so the limit holds across gateway replicas.
type RateLimiter struct {
	store  store.Store
	max    int
	window time.Duration
}

func NewRateLimiter(st store.Store, max int, window time.Duration) *RateLimiter {
	return &RateLimiter{store: st, max: max, window: window}
}

// Check atomically records an attempt for the client IP and reports whether
// it is within the limit. Store failures fail open: an unavailable store
// must not take admission down with it.
func (rl *RateLimiter) Check(ctx context.Context, clientIP string) RateLimitResult {
	res, err := rl.store.IncrementWindow(ctx, rateLimitKeyPrefix+clientIP, rl.window)
	if err != nil {
		log.Printf("[gateway] rate limit check failed for %s: %v", clientIP, err)
		return RateLimitResult{Allowed: true, Remaining: 1, ResetAt: time.Now().Add(rl.window)}
	}

	remaining := rl.max - int(res.Count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   res.Count <= int64(rl.max),
		Remaining: remaining,
		ResetAt:   res.ResetAt,
	}
}

// RetryAfter returns the whole seconds until the window resets, for the
// Retry-After header. Never less than one second.
func (r RateLimitResult) RetryAfter(now time.Time) string {
	secs := int(r.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
