package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/repository/postgres"
)

type fakeSubRepo struct {
	mu   sync.Mutex
	subs map[string]*domain.Subscription

	createErr error
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string]*domain.Subscription)}
}

func (f *fakeSubRepo) Create(ctx context.Context, sub *domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeSubRepo) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubRepo) List(ctx context.Context, tenantID string, active *bool, limit, offset int) ([]*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Subscription
	for _, sub := range f.subs {
		if sub.TenantID != tenantID {
			continue
		}
		if active != nil && sub.Active != *active {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSubRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; !ok {
		return postgres.ErrNotFound
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeSubRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return postgres.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeSubRepo) RotateSecret(ctx context.Context, id, newSecret string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	sub.Secret = newSecret
	cp := *sub
	return &cp, nil
}

func (f *fakeSubRepo) IncrementStats(ctx context.Context, id string, success bool, statusCode int, latencyMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return postgres.ErrNotFound
	}
	sub.Stats.TotalCalls++
	if success {
		sub.Stats.SuccessCalls++
	} else {
		sub.Stats.FailureCalls++
	}
	sub.Stats.LastStatusCode = statusCode
	return nil
}

func (f *fakeSubRepo) GetActiveByEventType(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Subscription
	for _, sub := range f.subs {
		if sub.TenantID != tenantID || !sub.Active {
			continue
		}
		if sub.MatchesEventType(eventType) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validSpec() domain.SubscriptionSpec {
	return domain.SubscriptionSpec{
		URL:       "https://example.test/webhook",
		Name:      "test-webhook",
		EventMask: []string{domain.EventSMSDelivered},
	}
}

func TestRegistry_Create(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", sub.TenantID)
	}
	if sub.Secret == "" {
		t.Error("expected a generated secret")
	}
	if sub.MaxAttempts != domain.DefaultMaxAttempts {
		t.Errorf("expected default max_attempts %d, got %d", domain.DefaultMaxAttempts, sub.MaxAttempts)
	}
	if !sub.Active {
		t.Error("expected Active to default true")
	}
}

func TestRegistry_Create_RejectsEmptyURL(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	spec := validSpec()
	spec.URL = ""
	_, err := reg.Create(context.Background(), "tenant-1", spec)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
}

func TestRegistry_Create_RejectsEmptyEventMask(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	spec := validSpec()
	spec.EventMask = nil
	_, err := reg.Create(context.Background(), "tenant-1", spec)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
}

func TestRegistry_Create_RejectsUnknownEventType(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	spec := validSpec()
	spec.EventMask = []string{"not.a.real.event"}
	_, err := reg.Create(context.Background(), "tenant-1", spec)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
}

func TestRegistry_Get_EnforcesTenantIsolation(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := reg.Get(context.Background(), "tenant-1", sub.ID); err != nil {
		t.Fatalf("owner should be able to read its own subscription: %v", err)
	}

	_, err = reg.Get(context.Background(), "tenant-2", sub.ID)
	var ferr *domain.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a ForbiddenError for a foreign tenant, got %v", err)
	}
}

func TestRegistry_Get_NotFound(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	_, err := reg.Get(context.Background(), "tenant-1", "does-not-exist")
	var nferr *domain.NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected a NotFoundError, got %v", err)
	}
}

func TestRegistry_List_RedactsSecret(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	if _, err := reg.Create(context.Background(), "tenant-1", validSpec()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	subs, err := reg.List(context.Background(), "tenant-1", nil, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Secret != "" {
		t.Error("expected secret to be redacted in list results")
	}
}

func TestRegistry_Update_AppliesOnlySetFields(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	originalMask := sub.EventMask

	updated, err := reg.Update(context.Background(), "tenant-1", sub.ID, domain.SubscriptionSpec{
		Description: "updated description",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Description != "updated description" {
		t.Errorf("expected description to be updated, got %q", updated.Description)
	}
	if len(updated.EventMask) != len(originalMask) {
		t.Error("expected event mask to be left untouched by a patch that doesn't set it")
	}
}

func TestRegistry_Update_EnforcesTenantIsolation(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = reg.Update(context.Background(), "tenant-2", sub.ID, domain.SubscriptionSpec{Description: "hijack"})
	var ferr *domain.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a ForbiddenError, got %v", err)
	}
}

func TestRegistry_Delete(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := reg.Delete(context.Background(), "tenant-1", sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = reg.Get(context.Background(), "tenant-1", sub.ID)
	var nferr *domain.NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected a NotFoundError after delete, got %v", err)
	}
}

func TestRegistry_Delete_EnforcesTenantIsolation(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = reg.Delete(context.Background(), "tenant-2", sub.ID)
	var ferr *domain.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a ForbiddenError, got %v", err)
	}

	if _, err := reg.Get(context.Background(), "tenant-1", sub.ID); err != nil {
		t.Errorf("subscription should survive a rejected cross-tenant delete: %v", err)
	}
}

func TestRegistry_RotateSecret_ChangesSecret(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	oldSecret := sub.Secret

	rotated, err := reg.RotateSecret(context.Background(), "tenant-1", sub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rotated.Secret == oldSecret {
		t.Error("expected the secret to change after rotation")
	}
	if rotated.Secret == "" {
		t.Error("expected a non-empty rotated secret")
	}
}

func TestRegistry_ActiveSubscriptionsFor_MatchesEventMask(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	matching, err := reg.Create(context.Background(), "tenant-1", domain.SubscriptionSpec{
		URL:       "https://example.test/a",
		Name:      "matches",
		EventMask: []string{domain.EventSMSDelivered},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := reg.Create(context.Background(), "tenant-1", domain.SubscriptionSpec{
		URL:       "https://example.test/b",
		Name:      "does-not-match",
		EventMask: []string{domain.EventSMSFailed},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	subs, err := reg.ActiveSubscriptionsFor(context.Background(), "tenant-1", domain.EventSMSDelivered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != matching.ID {
		t.Fatalf("expected exactly the matching subscription, got %d results", len(subs))
	}
}

func TestRegistry_ActiveSubscriptionsFor_SkipsInactive(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	active := false
	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := reg.Update(context.Background(), "tenant-1", sub.ID, domain.SubscriptionSpec{Active: &active}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	subs, err := reg.ActiveSubscriptionsFor(context.Background(), "tenant-1", domain.EventSMSDelivered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected an inactive subscription to be excluded, got %d results", len(subs))
	}
}

func TestRegistry_IncrementStats(t *testing.T) {
	repo := newFakeSubRepo()
	reg := New(repo, discardLogger())

	sub, err := reg.Create(context.Background(), "tenant-1", validSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := reg.IncrementStats(context.Background(), sub.ID, true, 200, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := reg.Get(context.Background(), "tenant-1", sub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Stats.TotalCalls != 1 || got.Stats.SuccessCalls != 1 {
		t.Errorf("expected stats to reflect one successful call, got %+v", got.Stats)
	}
}
