// Package router implements the Event Router (C2): it turns one
// lifecycle event into N DeliveryAttempt rows, one per matching
// subscription, and hands each to the Dispatcher for immediate attempt.
// Grounded on the reference implementation's internal/api/handler.go
// CreateEvent fanout (subscription lookup, one row per match) combined
// with internal/kafka/consumer.go's at-least-once offset-commit
// discipline, which the ingestion transport layers on top of Emit.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/observability"
	"github.com/adityanageshsir/dispatchd/internal/repository"
)

// SubscriptionLookup resolves the active, event-matching subscriptions
// for a tenant. Satisfied by *registry.Registry.
type SubscriptionLookup interface {
	ActiveSubscriptionsFor(ctx context.Context, tenant, eventType string) ([]*domain.Subscription, error)
}

// Dispatcher hands a row to the worker pool for immediate delivery. A
// false return means the pool's intake channel is saturated; the row is
// already durable and InFlight, so the Retry Scheduler's next sweep
// picks it up regardless.
type Dispatcher interface {
	Submit(a *domain.DeliveryAttempt) bool
}

// Router is the Event Router (C2).
type Router struct {
	lookup     SubscriptionLookup
	outboxRepo repository.OutboxRepository
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func New(lookup SubscriptionLookup, outboxRepo repository.OutboxRepository, dispatcher Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{lookup: lookup, outboxRepo: outboxRepo, dispatcher: dispatcher, logger: logger}
}

// WithMetrics attaches the Prometheus metrics the router increments as it
// fans events out to subscriptions. Optional: a Router with no metrics
// attached still routes correctly, it just doesn't report WebhooksRouted.
func (r *Router) WithMetrics(m *observability.Metrics) *Router {
	r.metrics = m
	return r
}

// Emit resolves the subscriptions matching tenant+eventType, persists
// one Pending DeliveryAttempt per match, and hands each to the
// Dispatcher. It never blocks on delivery and never surfaces
// delivery-side failures: callers' correctness depends only on the new
// rows' persistence, which Emit guarantees before returning.
func (r *Router) Emit(ctx context.Context, tenant, eventType string, sourceEventID *string, payload []byte) error {
	subs, err := r.lookup.ActiveSubscriptionsFor(ctx, tenant, eventType)
	if err != nil {
		return fmt.Errorf("resolve subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	now := time.Now()
	attempts := make([]*domain.DeliveryAttempt, 0, len(subs))
	for _, sub := range subs {
		attempts = append(attempts, &domain.DeliveryAttempt{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			TenantID:       tenant,
			SourceEventID:  sourceEventID,
			EventType:      eventType,
			Payload:        payload,
			Status:         domain.AttemptPending,
			AttemptsMade:   0,
			MaxAttempts:    sub.MaxAttempts,
			CreatedAt:      now,
		})
	}

	if err := r.outboxRepo.InsertBatch(ctx, attempts); err != nil {
		return fmt.Errorf("insert delivery attempts: %w", err)
	}

	if r.metrics != nil {
		for i := 0; i < len(attempts); i++ {
			r.metrics.WebhooksRouted.Inc()
		}
	}

	for _, a := range attempts {
		if err := r.outboxRepo.MarkInFlight(ctx, a.ID, now); err != nil {
			r.logger.Warn("mark in_flight failed, leaving row for retry scheduler sweep",
				"attempt_id", a.ID, "error", err)
			continue
		}
		inFlight := *a
		inFlight.Status = domain.AttemptInFlight
		if !r.dispatcher.Submit(&inFlight) {
			r.logger.Warn("dispatcher channel saturated, deferring to retry scheduler",
				"attempt_id", a.ID, "subscription_id", a.SubscriptionID)
		}
	}
	return nil
}
