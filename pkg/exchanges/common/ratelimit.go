package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"whale-core/pkg/errs"
)

// RateLimiter spaces outgoing requests and honours server back-off. After a
// 429 the venue is considered closed until the penalty expires.
type RateLimiter struct {
	limiter *rate.Limiter

	mu           sync.RWMutex
	blockedUntil time.Time
	now          func() time.Time
}

// NewRateLimiter allows rps requests per second with the given burst.
// A non-positive rps disables spacing.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst), now: time.Now}
}

// Wait blocks until a request may be sent. It fails with RateLimited while a
// penalty is active or when the wait would outlive ctx.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	until := rl.blockedUntil
	rl.mu.RUnlock()
	if rl.now().Before(until) {
		return errs.Newf(errs.KindRateLimited, "rate limiter", "backing off until %s", until.Format(time.RFC3339))
	}
	if err := rl.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(errs.KindRateLimited, "rate limiter", err)
	}
	return nil
}

// Penalize blocks requests for d, typically the server's Retry-After.
func (rl *RateLimiter) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until := rl.now().Add(d); until.After(rl.blockedUntil) {
		rl.blockedUntil = until
	}
}

// Blocked reports whether a penalty is active.
func (rl *RateLimiter) Blocked() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.now().Before(rl.blockedUntil)
}
