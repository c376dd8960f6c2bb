// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package cache

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/telemetry"
)

// BreakerConfig holds circuit breaker settings for one backend.
type BreakerConfig struct {
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period in the closed state after which counts reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         2,
		Interval:            30 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 8,
	}
}

// Options configures a cached backend wrapper.
type Options struct {
	// MaxInflight caps concurrent calls to the wrapped backend (0 = 8).
	MaxInflight int

	// MaxRetries bounds retries of transient failures.
	MaxRetries int

	// Breaker overrides the default circuit breaker settings.
	Breaker *BreakerConfig

	// Store persists memoized results; nil keeps them in memory only.
	Store Store

	Metrics *telemetry.Metrics
	Sink    *telemetry.Sink
	Logger  *zap.Logger
}

// guard bounds in-flight calls, trips a breaker on repeated transient
// failures, and retries transient errors with backoff.
type guard struct {
	name    string
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	policy  backend.RetryPolicy
	metrics *telemetry.Metrics
}

func newGuard(name string, opts Options) *guard {
	inflight := opts.MaxInflight
	if inflight <= 0 {
		inflight = 8
	}
	bc := DefaultBreakerConfig()
	if opts.Breaker != nil {
		bc = *opts.Breaker
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &guard{
		name:    name,
		sem:     semaphore.NewWeighted(int64(inflight)),
		metrics: opts.Metrics,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Only transient failures say anything about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || !backend.IsTransient(err)
		},
	})
	g.policy = backend.RetryPolicy{
		MaxRetries: opts.MaxRetries,
		OnRetry: func(attempt int, err error) {
			g.metrics.Retry(name)
			opts.Sink.Emit(telemetry.Event{
				Kind:    telemetry.EventRetry,
				Stage:   "cache",
				Subject: name,
				Fields:  map[string]any{"attempt": attempt},
				Err:     err,
			})
		},
	}
	return g
}

// call runs fn under the in-flight limit, the breaker, and the retry policy.
func call[T any](ctx context.Context, g *guard, fn func(ctx context.Context) (T, error)) (T, error) {
	return backend.Retry(ctx, g.policy, func(ctx context.Context) (T, error) {
		var zero T
		if !g.sem.TryAcquire(1) {
			g.metrics.InflightWait(g.name)
			if err := g.sem.Acquire(ctx, 1); err != nil {
				return zero, backend.Cancelled(err)
			}
		}
		defer g.sem.Release(1)

		start := time.Now()
		out, err := g.breaker.Execute(func() (any, error) {
			return fn(ctx)
		})
		g.metrics.ObserveCall(g.name, err, time.Since(start))
		if err != nil {
			return zero, err
		}
		return out.(T), nil
	})
}
