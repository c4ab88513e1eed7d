package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// RedisCircuitBreaker is the distributed counterpart to
// InMemoryCircuitBreakerAdapter: state lives in Redis keys scoped by
// subscription ID, so every dispatcher process in the fleet sees the same
// open/closed/half-open decision for a given destination instead of each
// tripping its own local breaker independently. State transitions run as
// Lua scripts so a read-then-write race between two dispatcher processes
// can't flip the state twice.
//
// Any Redis error — a dropped connection, a timeout — degrades to an
// in-process CircuitBreakerManager rather than failing the delivery
// attempt outright.
type RedisCircuitBreaker struct {
	client   *redis.Client
	config   RedisCircuitBreakerConfig
	fallback *CircuitBreakerManager
	logger   *slog.Logger
}

// RedisCircuitBreakerConfig mirrors CircuitBreakerConfig's intent with
// fixed thresholds instead of gobreaker's ratio-based ReadyToTrip, since the
// Lua scripts need static ARGV.
type RedisCircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Window           time.Duration
}

func DefaultRedisCircuitBreakerConfig() RedisCircuitBreakerConfig {
	return RedisCircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	}
}

func NewRedisCircuitBreaker(client *redis.Client, config RedisCircuitBreakerConfig, logger *slog.Logger) *RedisCircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCircuitBreaker{
		client:   client,
		config:   config,
		fallback: NewCircuitBreakerManager(DefaultCircuitBreakerConfig()),
		logger:   logger,
	}
}

func (r *RedisCircuitBreaker) keyState(subID string) string    { return fmt.Sprintf("cb:%s:state", subID) }
func (r *RedisCircuitBreaker) keyFailures(subID string) string { return fmt.Sprintf("cb:%s:failures", subID) }
func (r *RedisCircuitBreaker) keySuccesses(subID string) string {
	return fmt.Sprintf("cb:%s:successes", subID)
}
func (r *RedisCircuitBreaker) keyOpenedAt(subID string) string {
	return fmt.Sprintf("cb:%s:opened_at", subID)
}

// allowScript returns 1 when a request should proceed, 0 when the circuit
// is open and its timeout hasn't yet elapsed. An open circuit whose timeout
// has elapsed flips itself to half-open and allows the probe through.
var allowScript = redis.NewScript(`
local state_key = KEYS[1]
local opened_at_key = KEYS[2]
local now = tonumber(ARGV[1])
local timeout_ms = tonumber(ARGV[2])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'closed' then
    return 1
elseif state == 'open' then
    local opened_at = redis.call('GET', opened_at_key)
    if opened_at and (now - tonumber(opened_at)) >= timeout_ms then
        redis.call('SET', state_key, 'half-open')
        return 1
    end
    return 0
elseif state == 'half-open' then
    return 1
end

return 1
`)

func (r *RedisCircuitBreaker) Allow(ctx context.Context, subscriptionID string) (bool, error) {
	now := time.Now().UnixMilli()
	result, err := allowScript.Run(ctx, r.client,
		[]string{r.keyState(subscriptionID), r.keyOpenedAt(subscriptionID)},
		now, r.config.Timeout.Milliseconds(),
	).Int()
	if err != nil {
		r.logger.Warn("redis circuit breaker unavailable, using in-process fallback",
			"error", err, "subscription_id", subscriptionID)
		return r.fallback.State(subscriptionID) != CircuitBreakerStateOpen, nil
	}
	return result == 1, nil
}

// recordSuccessScript advances a half-open breaker's success count toward
// SuccessThreshold, closing the circuit once reached; a closed breaker just
// clears its failure count.
var recordSuccessScript = redis.NewScript(`
local state_key = KEYS[1]
local successes_key = KEYS[2]
local failures_key = KEYS[3]
local success_threshold = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', successes_key)
    redis.call('PEXPIRE', successes_key, window_ms)
    if successes >= success_threshold then
        redis.call('SET', state_key, 'closed')
        redis.call('DEL', failures_key)
        redis.call('DEL', successes_key)
    end
elseif state == 'closed' then
    redis.call('DEL', failures_key)
end

return 1
`)

func (r *RedisCircuitBreaker) RecordSuccess(ctx context.Context, subscriptionID string) error {
	_, err := recordSuccessScript.Run(ctx, r.client,
		[]string{r.keyState(subscriptionID), r.keySuccesses(subscriptionID), r.keyFailures(subscriptionID)},
		r.config.SuccessThreshold, r.config.Window.Milliseconds(),
	).Result()
	if err != nil {
		r.logger.Warn("redis circuit breaker record success failed",
			"error", err, "subscription_id", subscriptionID)
	}
	return nil
}

// recordFailureScript advances a closed breaker's failure count toward
// FailureThreshold, opening the circuit once reached; any failure while
// half-open reopens it immediately.
var recordFailureScript = redis.NewScript(`
local state_key = KEYS[1]
local failures_key = KEYS[2]
local opened_at_key = KEYS[3]
local successes_key = KEYS[4]
local failure_threshold = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'closed' then
    local failures = redis.call('INCR', failures_key)
    redis.call('PEXPIRE', failures_key, window_ms)
    if failures >= failure_threshold then
        redis.call('SET', state_key, 'open')
        redis.call('SET', opened_at_key, now)
        redis.call('PEXPIRE', opened_at_key, window_ms * 2)
    end
elseif state == 'half-open' then
    redis.call('SET', state_key, 'open')
    redis.call('SET', opened_at_key, now)
    redis.call('PEXPIRE', opened_at_key, window_ms * 2)
    redis.call('DEL', successes_key)
end

return 1
`)

func (r *RedisCircuitBreaker) RecordFailure(ctx context.Context, subscriptionID string) error {
	_, err := recordFailureScript.Run(ctx, r.client,
		[]string{
			r.keyState(subscriptionID), r.keyFailures(subscriptionID),
			r.keyOpenedAt(subscriptionID), r.keySuccesses(subscriptionID),
		},
		r.config.FailureThreshold, r.config.Window.Milliseconds(), time.Now().UnixMilli(),
	).Result()
	if err != nil {
		r.logger.Warn("redis circuit breaker record failure failed",
			"error", err, "subscription_id", subscriptionID)
	}
	return nil
}

// Execute gates fn behind Allow, then records the outcome through
// RecordSuccess/RecordFailure, the same Lua-scripted bookkeeping Allow
// itself reads. Routing through Execute keeps both CircuitBreaker
// implementations driven the same way from the call site.
func (r *RedisCircuitBreaker) Execute(ctx context.Context, subscriptionID string, fn func() error) error {
	allowed, err := r.Allow(ctx, subscriptionID)
	if err != nil {
		r.logger.Warn("circuit breaker allow check failed, proceeding", "error", err, "subscription_id", subscriptionID)
	} else if !allowed {
		return ErrCircuitOpen
	}

	err = fn()
	if err != nil {
		if recErr := r.RecordFailure(ctx, subscriptionID); recErr != nil {
			r.logger.Warn("circuit breaker record failure failed", "error", recErr, "subscription_id", subscriptionID)
		}
		return err
	}
	if recErr := r.RecordSuccess(ctx, subscriptionID); recErr != nil {
		r.logger.Warn("circuit breaker record success failed", "error", recErr, "subscription_id", subscriptionID)
	}
	return nil
}

func (r *RedisCircuitBreaker) State(ctx context.Context, subscriptionID string) (CircuitState, error) {
	state, err := r.client.Get(ctx, r.keyState(subscriptionID)).Result()
	if err == redis.Nil {
		return CircuitStateClosed, nil
	}
	if err != nil {
		r.logger.Warn("redis circuit breaker state lookup failed, using in-process fallback",
			"error", err, "subscription_id", subscriptionID)
		return r.convertFallbackState(r.fallback.State(subscriptionID)), nil
	}
	return CircuitState(state), nil
}

func (r *RedisCircuitBreaker) convertFallbackState(state CircuitBreakerState) CircuitState {
	switch state {
	case CircuitBreakerStateOpen:
		return CircuitStateOpen
	case CircuitBreakerStateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}

// GetFailureCount returns the failure count accumulated within the current
// window, mainly useful for admin/debug endpoints and tests.
func (r *RedisCircuitBreaker) GetFailureCount(ctx context.Context, subscriptionID string) (int, error) {
	count, err := r.client.Get(ctx, r.keyFailures(subscriptionID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(count)
	return n, nil
}

func (r *RedisCircuitBreaker) Close() error {
	return r.client.Close()
}
