// Package backoff provides exponential backoff with jitter for retry logic.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first retry.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// DefaultPolicy returns the policy used for provider retries.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Compute calculates the backoff duration for a 1-indexed attempt.
func Compute(p Policy, attempt int) time.Duration {
	return computeWithRand(p, attempt, rand.Float64())
}

func computeWithRand(p Policy, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits out the backoff for the given attempt, or returns early with
// the context's error if it is cancelled.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	t := time.NewTimer(Compute(p, attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry executes fn with backoff between attempts. fn receives the 1-indexed
// attempt number. A non-nil retryable func limits which errors are retried;
// non-retryable errors are returned immediately.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}
		v, err := fn(attempt)
		if err == nil {
			return v, attempt - 1, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, attempt - 1, err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, p, attempt); err != nil {
				return zero, attempt - 1, err
			}
		}
	}
	return zero, maxAttempts - 1, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
