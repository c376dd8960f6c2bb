// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package backend

import (
	"context"
	"fmt"
	"math"
	"time"
)

// backoffBase controls the base duration for exponential backoff. Tests
// override this to avoid real sleeps.
var backoffBase = time.Second

// maxBackoff caps a single wait between attempts.
const maxBackoff = 30 * time.Second

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// OnRetry is called before each wait with the attempt about to run (1-based)
	// and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// Backoff returns the wait before retry attempt n (1-based): base * 2^(n-1).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// policy is exhausted. Context cancellation during a wait returns a
// cancellation error.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return zero, Cancelled(ctx.Err())
			case <-time.After(Backoff(attempt)):
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, Cancelled(ctx.Err())
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
	}
	if policy.MaxRetries == 0 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("after %d retries: %w", policy.MaxRetries, lastErr)
}
