package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// In-memory circuit breaker, one sony/gobreaker instance per subscription.
//
//	[Closed] --(failure ratio >= threshold)--> [Open]
//	[Open] --(Timeout elapses)--> [Half-Open]
//	[Half-Open] --(success)--> [Closed]
//	[Half-Open] --(failure)--> [Open]

// CircuitBreakerConfig controls when a subscription's breaker trips.
//
// MaxRequests bounds how many probe requests a half-open breaker admits.
// Interval is the window gobreaker uses to reset closed-state counters.
// Timeout is how long an open breaker waits before probing again.
// FailureRatio is the fraction of failed requests (within MinRequests or
// more observed) that trips the breaker.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerManager lazily builds one gobreaker.CircuitBreaker per
// subscription so a destination that starts failing trips its own breaker
// without affecting deliveries to any other tenant's subscriptions.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(subscriptionID string, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback invoked on every breaker transition,
// used to feed the open/half-open/closed gauge in internal/observability.
func (m *CircuitBreakerManager) OnStateChange(fn func(subscriptionID string, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

func (m *CircuitBreakerManager) GetBreaker(subscriptionID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[subscriptionID]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[subscriptionID]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        subscriptionID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[subscriptionID] = cb
	return cb
}

// Execute runs fn through the subscription's breaker. If the breaker is
// open, fn is not called and gobreaker.ErrOpenState is returned.
func (m *CircuitBreakerManager) Execute(subscriptionID string, fn func() (interface{}, error)) (interface{}, error) {
	return m.GetBreaker(subscriptionID).Execute(fn)
}

func (m *CircuitBreakerManager) State(subscriptionID string) CircuitBreakerState {
	return toState(m.GetBreaker(subscriptionID).State())
}

// ExecuteFn adapts Execute to the CircuitBreaker.Execute contract: fn's
// own error, if any, is what gobreaker counts as a failure. A denied
// attempt (open or half-open over its probe budget) surfaces as
// ErrCircuitOpen instead of gobreaker's own sentinel errors.
func (m *CircuitBreakerManager) ExecuteFn(subscriptionID string, fn func() error) error {
	_, err := m.Execute(subscriptionID, func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Remove drops the breaker for subscriptionID, called when a subscription
// is deleted so its breaker doesn't linger in memory.
func (m *CircuitBreakerManager) Remove(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, subscriptionID)
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
