// Package registry implements the Subscription Registry (C1): validated
// CRUD over webhook subscriptions, secret generation and rotation, and
// the tenant-isolation check every other component and the admin API
// relies on. Grounded on the reference implementation's
// internal/api/handler.go, which inlined this logic directly into HTTP
// handlers — here it is pulled out into its own service so the Event
// Router and the Admin API share one tenant-isolated implementation
// instead of two.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/repository"
	"github.com/adityanageshsir/dispatchd/internal/repository/postgres"
)

// Registry is the Subscription Registry service.
type Registry struct {
	repo   repository.SubscriptionRepository
	logger *slog.Logger
}

func New(repo repository.SubscriptionRepository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, logger: logger}
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create validates spec, generates a secret, and persists a new
// subscription for tenant. Unset numeric fields fall back to the
// documented defaults.
func (r *Registry) Create(ctx context.Context, tenant string, spec domain.SubscriptionSpec) (*domain.Subscription, error) {
	if spec.URL == "" {
		return nil, &domain.ValidationError{Field: "url", Reason: "required"}
	}
	if len(spec.EventMask) == 0 {
		return nil, &domain.ValidationError{Field: "event_mask", Reason: "must not be empty"}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &domain.Subscription{
		ID:              uuid.NewString(),
		TenantID:        tenant,
		URL:             spec.URL,
		Name:            spec.Name,
		Description:     spec.Description,
		EventMask:       spec.EventMask,
		Secret:          secret,
		Active:          boolOr(spec.Active, true),
		RetryEnabled:    boolOr(spec.RetryEnabled, true),
		MaxAttempts:     intOr(spec.MaxAttempts, domain.DefaultMaxAttempts),
		BackoffBaseMS:   intOr(spec.BackoffBaseMS, domain.DefaultBackoffBaseMS),
		MaxPayloadBytes: intOr(spec.MaxPayloadBytes, domain.DefaultMaxPayloadBytes),
		NotifyOnFailure: boolOr(spec.NotifyOnFailure, false),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := r.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	r.logger.Info("subscription created", "subscription_id", sub.ID, "tenant_id", tenant)
	return sub, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Get returns sub including its secret, enforcing tenant isolation.
func (r *Registry) Get(ctx context.Context, tenant, id string) (*domain.Subscription, error) {
	sub, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, &domain.NotFoundError{Resource: "subscription", ID: id}
		}
		return nil, err
	}
	if sub.TenantID != tenant {
		return nil, &domain.ForbiddenError{Resource: "subscription", ID: id}
	}
	return sub, nil
}

// List returns subscriptions for tenant with their secrets redacted.
func (r *Registry) List(ctx context.Context, tenant string, active *bool, limit, offset int) ([]*domain.Subscription, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	subs, err := r.repo.List(ctx, tenant, active, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, s := range subs {
		redacted := s.Redacted()
		subs[i] = &redacted
	}
	return subs, nil
}

// Update applies patch to the tenant's subscription, enforcing the same
// validations as Create. Only non-nil/non-zero fields in patch are
// applied; the rest are left untouched. MaxPayloadBytes is validated but
// never applied: Update does not change a subscription's payload limit.
func (r *Registry) Update(ctx context.Context, tenant, id string, patch domain.SubscriptionSpec) (*domain.Subscription, error) {
	sub, err := r.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	if patch.URL != "" {
		sub.URL = patch.URL
	}
	if patch.Name != "" {
		sub.Name = patch.Name
	}
	if patch.Description != "" {
		sub.Description = patch.Description
	}
	if patch.EventMask != nil {
		sub.EventMask = patch.EventMask
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}
	if patch.RetryEnabled != nil {
		sub.RetryEnabled = *patch.RetryEnabled
	}
	if patch.MaxAttempts != 0 {
		sub.MaxAttempts = patch.MaxAttempts
	}
	if patch.BackoffBaseMS != 0 {
		sub.BackoffBaseMS = patch.BackoffBaseMS
	}
	if patch.NotifyOnFailure != nil {
		sub.NotifyOnFailure = *patch.NotifyOnFailure
	}
	sub.UpdatedAt = time.Now()

	if err := r.repo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// Delete hard-deletes tenant's subscription, enforcing tenant isolation
// first. The store cascades delivery_attempts on DELETE.
func (r *Registry) Delete(ctx context.Context, tenant, id string) error {
	if _, err := r.Get(ctx, tenant, id); err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return &domain.NotFoundError{Resource: "subscription", ID: id}
		}
		return err
	}
	return nil
}

// RotateSecret replaces tenant's subscription secret atomically.
func (r *Registry) RotateSecret(ctx context.Context, tenant, id string) (*domain.Subscription, error) {
	if _, err := r.Get(ctx, tenant, id); err != nil {
		return nil, err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	sub, err := r.repo.RotateSecret(ctx, id, secret)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, &domain.NotFoundError{Resource: "subscription", ID: id}
		}
		return nil, err
	}
	r.logger.Info("subscription secret rotated", "subscription_id", id, "tenant_id", tenant)
	return sub, nil
}

// IncrementStats is called exclusively by the Dispatcher after each
// delivery outcome.
func (r *Registry) IncrementStats(ctx context.Context, id string, success bool, statusCode int, latencyMs int64) error {
	return r.repo.IncrementStats(ctx, id, success, statusCode, latencyMs)
}

// ActiveSubscriptionsFor resolves the Event Router's fanout lookup.
func (r *Registry) ActiveSubscriptionsFor(ctx context.Context, tenant, eventType string) ([]*domain.Subscription, error) {
	return r.repo.GetActiveByEventType(ctx, tenant, eventType)
}
