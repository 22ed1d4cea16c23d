// Package retry wraps operations with exponential backoff and jitter.
// It is the inner retry layer for venue calls; the job queue's retry
// budget is a separate, outer layer with its own schedule.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls how Do re-attempts a failing operation.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first try,
	// so Do runs the operation at most MaxRetries+1 times.
	MaxRetries int
	// BaseDelay seeds the exponential schedule: the wait before
	// re-attempt n (1-based) is BaseDelay * 2^(n-1), capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps a single wait before jitter is added.
	MaxDelay time.Duration
	// Classify reports whether an error is worth retrying. Nil means
	// DefaultClassifier.
	Classify func(error) bool
	// OnRetry, if set, observes each scheduled re-attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy mirrors the job system's venue-call defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Classify:   DefaultClassifier,
	}
}

// Do runs op until it succeeds, exhausts the retry budget, or hits a
// non-retryable error. The last operation error is returned unchanged so
// callers can still unwrap venue codes. Sleeps respect ctx; cancellation
// during a wait returns the context error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Delay(p, attempt-1)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Delay returns the jittered wait after the given failure (0-based):
// min(BaseDelay * 2^failure, MaxDelay) plus up to 10% random jitter.
func Delay(p Policy, failure int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(failure)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(d))
	return d + jitter
}

// Budget returns the maximum total sleep Do can spend for the policy,
// before jitter. Useful for sizing job timeouts around venue retries.
func Budget(p Policy) time.Duration {
	var total time.Duration
	for i := 0; i < p.MaxRetries; i++ {
		base := p.BaseDelay
		if base <= 0 {
			base = time.Second
		}
		d := base << uint(i)
		if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
			d = p.MaxDelay
		}
		total += d
	}
	return total
}
