package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisRateLimiter_AllowUpToLimit(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available, skipping integration test")
	}

	subID := "test_sub"
	client.Del(ctx, "ratelimit:"+subID)
	defer client.Del(ctx, "ratelimit:"+subID)

	limiter := NewRedisRateLimiter(client, RedisRateLimiterConfig{Window: time.Second}, nil)

	for i := 0; i < DefaultRateLimit; i++ {
		allowed, err := limiter.Allow(ctx, subID, DefaultRateLimit)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, subID, DefaultRateLimit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Errorf("request %d should be rate limited", DefaultRateLimit+1)
	}
}

func TestRedisRateLimiter_WindowExpiry(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available, skipping integration test")
	}

	subID := "test_window"
	client.Del(ctx, "ratelimit:"+subID)
	defer client.Del(ctx, "ratelimit:"+subID)

	limiter := NewRedisRateLimiter(client, RedisRateLimiterConfig{Window: 100 * time.Millisecond}, nil)

	const limit = 10
	for i := 0; i < limit; i++ {
		if allowed, _ := limiter.Allow(ctx, subID, limit); !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if allowed, _ := limiter.Allow(ctx, subID, limit); allowed {
		t.Error("should be rate limited once the window is exhausted")
	}

	time.Sleep(150 * time.Millisecond)

	if allowed, _ := limiter.Allow(ctx, subID, limit); !allowed {
		t.Error("should be allowed again once the window has slid past the old entries")
	}
}

func TestRedisRateLimiter_FallsBackWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
	defer func() { _ = client.Close() }()

	limiter := NewRedisRateLimiter(client, DefaultRedisRateLimiterConfig(), nil)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "test_fallback", DefaultRateLimit)
	if err != nil {
		t.Fatalf("should not return error on fallback: %v", err)
	}
	if !allowed {
		t.Error("should be allowed via in-process fallback")
	}
}
