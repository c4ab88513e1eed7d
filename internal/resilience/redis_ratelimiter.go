package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is the distributed counterpart to RateLimiterManager: a
// sliding-window limiter over a Redis sorted set keyed by subscription ID,
// giving every dispatcher process in the fleet a shared view of how much of
// a subscription's budget has been spent.
//
//  1. drop set members older than the window
//  2. count what's left
//  3. if under the limit, add this request as a new member and allow
//  4. otherwise reject
//
// The check-and-add happens inside a Lua script so two dispatcher processes
// racing to claim the last slot in a window can't both succeed. A Redis
// error falls back to an in-process RateLimiterManager.
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *RateLimiterManager
	logger   *slog.Logger
}

// RedisRateLimiterConfig configures the sliding window size.
type RedisRateLimiterConfig struct {
	Window time.Duration
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{Window: time.Second}
}

func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	if config.Window == 0 {
		config.Window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimiter{
		client:   client,
		window:   config.Window,
		fallback: NewRateLimiterManager(DefaultRateLimiterConfig()),
		logger:   logger,
	}
}

var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

// Allow reports whether a request against subscriptionID fits within limit
// requests per configured window.
func (r *RedisRateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", subscriptionID)
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%1_000_000)

	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, now, r.window.Milliseconds(), limit, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter unavailable, using in-process fallback",
			"error", err, "subscription_id", subscriptionID)
		r.fallback.SetRateIfNotExists(subscriptionID, float64(limit), limit/10+1)
		return r.fallback.Allow(subscriptionID), nil
	}
	return result == 1, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
