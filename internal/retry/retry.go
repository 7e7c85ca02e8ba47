// Package retry runs operations that may fail transiently with exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"whale-core/pkg/errs"
)

// Policy retries transient failures (RateLimited, NetworkTimeout) up to
// MaxRetries times. Delays grow from Min by Factor and are capped at Max.
type Policy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	Factor     float64

	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default is 3 retries with delays of 1s, 2s and 4s.
func Default() Policy {
	return Policy{MaxRetries: 3, Min: time.Second, Max: 8 * time.Second, Factor: 2}
}

func (p Policy) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: false}
}

// Delay returns the pause owed after failures consecutive failures: zero for
// none, then Min, Min*Factor and so on up to Max.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	return p.backoff().ForAttempt(float64(failures - 1))
}

// Do runs op until it succeeds, fails permanently, or retries run out. The
// last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// After marks err with a wait the server asked for before the next attempt.
// Value never sleeps less than that.
func After(err error, wait time.Duration) error {
	return &afterError{err: err, wait: wait}
}

type afterError struct {
	err  error
	wait time.Duration
}

func (e *afterError) Error() string             { return e.err.Error() }
func (e *afterError) Unwrap() error             { return e.err }
func (e *afterError) RetryAfter() time.Duration { return e.wait }

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	b := p.backoff()
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil || !errs.IsTransient(err) || attempt > p.MaxRetries {
			return v, err
		}
		d := b.Duration()
		var ra interface{ RetryAfter() time.Duration }
		if errors.As(err, &ra) && ra.RetryAfter() > d {
			d = ra.RetryAfter()
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, err)
		}
		if serr := p.sleep(ctx, d); serr != nil {
			return v, err
		}
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
