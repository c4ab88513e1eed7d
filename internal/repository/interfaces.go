// Package repository defines the persistence contracts the rest of the
// engine programs against. Concrete implementations live in
// internal/repository/postgres; callers depend only on these interfaces
// so tests can substitute hand-written fakes.
package repository

import (
	"context"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/domain"
)

// SubscriptionRepository backs the Subscription Registry (C1).
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	List(ctx context.Context, tenantID string, active *bool, limit, offset int) ([]*domain.Subscription, error)
	Update(ctx context.Context, sub *domain.Subscription) error
	Delete(ctx context.Context, id string) error
	RotateSecret(ctx context.Context, id, newSecret string) (*domain.Subscription, error)
	IncrementStats(ctx context.Context, id string, success bool, statusCode int, latencyMs int64) error
	GetActiveByEventType(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error)
}

// AttemptFilter narrows ListForSubscription results for the admin
// /webhooks/{id}/events endpoint.
type AttemptFilter struct {
	Status    domain.AttemptStatus
	EventType string
	Start     *time.Time
	End       *time.Time
}

// StatsSummary aggregates outbox rows for the admin /webhooks/{id}/stats
// endpoint; it complements, but never replaces, domain.Stats.
type StatsSummary struct {
	Pending        int64
	Success        int64
	Failed         int64
	ByEventType    map[string]int64
	RecentAttempts []*domain.DeliveryAttempt
}

// OutboxRepository backs the Delivery Outbox (C3). Every method is
// atomic at the row level; ClaimDue additionally guarantees no two
// concurrent callers observe the same row (FOR UPDATE SKIP LOCKED).
type OutboxRepository interface {
	Insert(ctx context.Context, attempt *domain.DeliveryAttempt) error
	InsertBatch(ctx context.Context, attempts []*domain.DeliveryAttempt) error
	// MarkInFlight self-claims a row the Router itself just inserted as
	// Pending, immediately ahead of the fresh-emission channel handoff —
	// the Dispatcher's contract requires every row it receives to already
	// be InFlight, whichever of the two input sources produced it.
	MarkInFlight(ctx context.Context, id string, at time.Time) error
	ClaimDue(ctx context.Context, now time.Time, max int) ([]*domain.DeliveryAttempt, error)
	MarkSuccess(ctx context.Context, id string, httpCode int, durationMs int, signature string, sentAt time.Time) error
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string, httpCode *int, durationMs int, signature string) error
	MarkFailed(ctx context.Context, id string, lastError string, httpCode *int, durationMs int, signature string) error
	// Reschedule returns an in_flight row to pending at nextRetryAt without
	// incrementing attempts_made or touching last_error/last_http_code —
	// the admission-rejection path, where a rate-limit or circuit-breaker
	// denial happened before any HTTP request was issued.
	Reschedule(ctx context.Context, id string, nextRetryAt time.Time) error
	ReclaimStuck(ctx context.Context, cutoff time.Time) (int64, error)
	GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	ListForSubscription(ctx context.Context, subID string, filter AttemptFilter, limit, offset int) ([]*domain.DeliveryAttempt, error)
	Stats(ctx context.Context, subID string) (*StatsSummary, error)
	Shutdown(ctx context.Context) error
}
