// Package resilience implements the admission controls the Dispatcher (C4)
// consults before it attempts a delivery: a token-bucket rate limiter and a
// circuit breaker, one instance of each per subscription so a single
// misbehaving destination never starves the others. Both controls come in
// two flavors — in-process (mutex-guarded maps, correct within one dispatcher
// process) and Redis-backed (state shared across every dispatcher process
// in the fleet) — behind the same two interfaces so callers never know
// which one they were handed.
//
// A denial from either control is an admission rejection: the attempt is
// rescheduled a short fixed interval later without being treated as a
// delivery failure (attempts_made is not incremented, see
// internal/worker). Grounded on the reference implementation's
// internal/resilience package, unchanged in mechanism.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute when the breaker
// denied the attempt outright; fn was never called.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RateLimiter caps the rate of outbound delivery attempts per subscription.
// Both the in-memory and Redis-backed implementations satisfy it so the
// Dispatcher can be wired to either without change.
type RateLimiter interface {
	// Allow reports whether a delivery attempt against subscriptionID may
	// proceed right now, given the subscription's configured limit.
	Allow(ctx context.Context, subscriptionID string, limit int) (bool, error)
}

// CircuitBreaker decides whether a subscription's destination is healthy
// enough to attempt delivery against. Implementations track consecutive (or
// windowed) failures per subscriptionID and trip independently of one
// another.
type CircuitBreaker interface {
	// Allow reports whether a request should be attempted. A closed or
	// half-open breaker allows it; an open breaker does not.
	Allow(ctx context.Context, subscriptionID string) (bool, error)
	// RecordSuccess reports a successful delivery, counting toward closing
	// a half-open breaker.
	RecordSuccess(ctx context.Context, subscriptionID string) error
	// RecordFailure reports a failed delivery, counting toward tripping a
	// closed breaker or reopening a half-open one.
	RecordFailure(ctx context.Context, subscriptionID string) error
	// State returns the breaker's current state.
	State(ctx context.Context, subscriptionID string) (CircuitState, error)
	// Execute gates fn behind Allow and records its outcome in one call.
	// Returns ErrCircuitOpen without calling fn if the breaker denies the
	// attempt.
	Execute(ctx context.Context, subscriptionID string, fn func() error) error
}

// InMemoryRateLimiterAdapter exposes a RateLimiterManager as a RateLimiter.
type InMemoryRateLimiterAdapter struct {
	manager *RateLimiterManager
}

func NewInMemoryRateLimiterAdapter(config RateLimiterConfig) *InMemoryRateLimiterAdapter {
	return &InMemoryRateLimiterAdapter{manager: NewRateLimiterManager(config)}
}

func (a *InMemoryRateLimiterAdapter) Allow(ctx context.Context, subscriptionID string, limit int) (bool, error) {
	a.manager.SetRateIfNotExists(subscriptionID, float64(limit), limit/10+1)
	return a.manager.Allow(subscriptionID), nil
}

// InMemoryCircuitBreakerAdapter exposes a CircuitBreakerManager (backed by
// sony/gobreaker) as a CircuitBreaker.
type InMemoryCircuitBreakerAdapter struct {
	manager *CircuitBreakerManager
}

func NewInMemoryCircuitBreakerAdapter(config CircuitBreakerConfig) *InMemoryCircuitBreakerAdapter {
	return &InMemoryCircuitBreakerAdapter{manager: NewCircuitBreakerManager(config)}
}

func (a *InMemoryCircuitBreakerAdapter) Allow(ctx context.Context, subscriptionID string) (bool, error) {
	return a.manager.State(subscriptionID) != CircuitBreakerStateOpen, nil
}

var errRecordedFailure = errors.New("recorded failure")

// RecordSuccess and RecordFailure feed an outcome observed outside Execute
// into the gobreaker instance by running a no-op call through its Execute,
// the only call that advances its Counts. While the breaker is open the
// call is denied and nothing is counted.
func (a *InMemoryCircuitBreakerAdapter) RecordSuccess(ctx context.Context, subscriptionID string) error {
	_, _ = a.manager.Execute(subscriptionID, func() (interface{}, error) { return nil, nil })
	return nil
}

func (a *InMemoryCircuitBreakerAdapter) RecordFailure(ctx context.Context, subscriptionID string) error {
	_, _ = a.manager.Execute(subscriptionID, func() (interface{}, error) { return nil, errRecordedFailure })
	return nil
}

func (a *InMemoryCircuitBreakerAdapter) State(ctx context.Context, subscriptionID string) (CircuitState, error) {
	switch a.manager.State(subscriptionID) {
	case CircuitBreakerStateOpen:
		return CircuitStateOpen, nil
	case CircuitBreakerStateHalfOpen:
		return CircuitStateHalfOpen, nil
	default:
		return CircuitStateClosed, nil
	}
}

// ExecuteRaw runs fn through the underlying gobreaker instance directly,
// for callers that want gobreaker's own return value.
func (a *InMemoryCircuitBreakerAdapter) ExecuteRaw(subscriptionID string, fn func() (interface{}, error)) (interface{}, error) {
	return a.manager.Execute(subscriptionID, fn)
}

// Execute satisfies CircuitBreaker.Execute by routing fn through
// gobreaker's Execute, the only call that advances this breaker's
// internal Counts.
func (a *InMemoryCircuitBreakerAdapter) Execute(ctx context.Context, subscriptionID string, fn func() error) error {
	return a.manager.ExecuteFn(subscriptionID, fn)
}

func (a *InMemoryCircuitBreakerAdapter) OnStateChange(fn func(subscriptionID string, from, to CircuitBreakerState)) {
	a.manager.OnStateChange(fn)
}

// RedisConfig configures the shared Redis client used by the distributed
// rate limiter, circuit breaker, and concurrency semaphore.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}
