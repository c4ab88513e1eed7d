// Package resilience uses golang.org/x/time/rate for in-process token-bucket
// rate limiting and github.com/sony/gobreaker for in-process circuit
// breaking, the same two libraries the reference implementation wires for
// this concern.
package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimit is the steady-state requests-per-second a subscription
// gets when it doesn't configure its own limit.
const DefaultRateLimit = 100

// RateLimiterConfig controls the token bucket. RequestsPerSecond is the
// refill rate; BurstSize is how far above that rate a subscription may
// spike before Allow starts returning false.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: DefaultRateLimit,
		BurstSize:         10,
	}
}

// RateLimiterManager lazily builds one *rate.Limiter per subscription so
// each destination's budget is tracked independently.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimiterManager) GetLimiter(subscriptionID string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[subscriptionID]
	m.mu.RUnlock()
	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, exists = m.limiters[subscriptionID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[subscriptionID] = limiter
	return limiter
}

// Allow reports whether a request for subscriptionID is allowed right now.
func (m *RateLimiterManager) Allow(subscriptionID string) bool {
	return m.GetLimiter(subscriptionID).Allow()
}

// Wait returns how long the caller would need to wait before the next
// request against subscriptionID would succeed, without consuming a token.
func (m *RateLimiterManager) Wait(subscriptionID string) time.Duration {
	limiter := m.GetLimiter(subscriptionID)
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return 0
	}
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}

// SetRate overwrites subscriptionID's limiter with a fresh bucket sized to
// requestsPerSecond/burstSize, used when a subscription's configured limit
// changes.
func (m *RateLimiterManager) SetRate(subscriptionID string, requestsPerSecond float64, burstSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[subscriptionID] = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
}

// SetRateIfNotExists lazily seeds subscriptionID's limiter the first time
// it's seen, leaving an existing limiter (and its accumulated tokens)
// untouched on subsequent calls.
func (m *RateLimiterManager) SetRateIfNotExists(subscriptionID string, requestsPerSecond float64, burstSize int) {
	m.mu.RLock()
	_, exists := m.limiters[subscriptionID]
	m.mu.RUnlock()
	if exists {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists = m.limiters[subscriptionID]; exists {
		return
	}
	m.limiters[subscriptionID] = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
}

// Remove drops subscriptionID's limiter, called when a subscription is
// deleted.
func (m *RateLimiterManager) Remove(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, subscriptionID)
}
