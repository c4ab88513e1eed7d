package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Semaphore bounds how many in-flight deliveries a given key (normally a
// subscription ID) may have outstanding at once, distinct from
// RateLimiter's requests-per-second budget: a subscription can be well
// under its rate limit while still having too many concurrent attempts in
// flight against a slow destination.
type Semaphore interface {
	// Acquire attempts to take a slot for key. The caller must call
	// Release when the work finishes if Acquire returned true.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisSemaphore implements Semaphore as a counter with a TTL in Redis, so
// the concurrency cap holds across every dispatcher process in the fleet
// rather than per-process. The TTL exists so a dispatcher that crashes
// mid-delivery without releasing doesn't permanently wedge the semaphore.
type RedisSemaphore struct {
	client   *redis.Client
	limit    int
	ttl      time.Duration
	fallback *LocalSemaphoreManager
	logger   *slog.Logger
}

type RedisSemaphoreConfig struct {
	// Limit is the maximum concurrent acquisitions per key.
	Limit int
	// TTL bounds how long an acquired slot survives without release.
	TTL time.Duration
}

func DefaultRedisSemaphoreConfig() RedisSemaphoreConfig {
	return RedisSemaphoreConfig{Limit: 100, TTL: 30 * time.Second}
}

func NewRedisSemaphore(client *redis.Client, config RedisSemaphoreConfig, logger *slog.Logger) *RedisSemaphore {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSemaphore{
		client:   client,
		limit:    config.Limit,
		ttl:      config.TTL,
		fallback: NewLocalSemaphoreManager(config.Limit),
		logger:   logger,
	}
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])

local current = redis.call('GET', key)
if not current then
    current = 0
else
    current = tonumber(current)
end

if current < limit then
    redis.call('INCR', key)
    redis.call('PEXPIRE', key, ttl_ms)
    return 1
else
    return 0
end
`)

func (s *RedisSemaphore) Acquire(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("sem:%s", key)
	result, err := acquireScript.Run(ctx, s.client, []string{redisKey}, s.limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		s.logger.Warn("redis semaphore acquire failed, using in-process fallback",
			"error", err, "key", key)
		return s.fallback.Acquire(key), nil
	}
	return result == 1, nil
}

func (s *RedisSemaphore) Release(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("sem:%s", key)
	result, err := s.client.Decr(ctx, redisKey).Result()
	if err != nil {
		s.logger.Warn("redis semaphore release failed", "error", err, "key", key)
		s.fallback.Release(key)
		return nil
	}
	if result < 0 {
		s.client.Set(ctx, redisKey, 0, s.ttl)
	}
	return nil
}

// LocalSemaphoreManager is the in-process fallback Semaphore used when
// Redis is unreachable, implemented as one buffered channel per key.
type LocalSemaphoreManager struct {
	limit      int
	semaphores map[string]chan struct{}
}

func NewLocalSemaphoreManager(limit int) *LocalSemaphoreManager {
	return &LocalSemaphoreManager{limit: limit, semaphores: make(map[string]chan struct{})}
}

func (m *LocalSemaphoreManager) Acquire(key string) bool {
	sem, exists := m.semaphores[key]
	if !exists {
		sem = make(chan struct{}, m.limit)
		m.semaphores[key] = sem
	}
	select {
	case sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *LocalSemaphoreManager) Release(key string) {
	if sem, exists := m.semaphores[key]; exists {
		select {
		case <-sem:
		default:
		}
	}
}
