package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/repository"
)

type fakeLookup struct {
	subs []*domain.Subscription
	err  error
}

func (f *fakeLookup) ActiveSubscriptionsFor(ctx context.Context, tenant, eventType string) ([]*domain.Subscription, error) {
	return f.subs, f.err
}

type fakeOutbox struct {
	mu sync.Mutex

	inserted      []*domain.DeliveryAttempt
	insertErr     error
	markInFlight  []string
	markInFlightErr error
}

func (f *fakeOutbox) Insert(ctx context.Context, attempt *domain.DeliveryAttempt) error { return nil }

func (f *fakeOutbox) InsertBatch(ctx context.Context, attempts []*domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, attempts...)
	return nil
}

func (f *fakeOutbox) MarkInFlight(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markInFlight = append(f.markInFlight, id)
	return f.markInFlightErr
}

func (f *fakeOutbox) ClaimDue(ctx context.Context, now time.Time, max int) ([]*domain.DeliveryAttempt, error) {
	return nil, nil
}
func (f *fakeOutbox) MarkSuccess(ctx context.Context, id string, httpCode int, durationMs int, signature string, sentAt time.Time) error {
	return nil
}
func (f *fakeOutbox) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string, httpCode *int, durationMs int, signature string) error {
	return nil
}
func (f *fakeOutbox) MarkFailed(ctx context.Context, id string, lastError string, httpCode *int, durationMs int, signature string) error {
	return nil
}
func (f *fakeOutbox) Reschedule(ctx context.Context, id string, nextRetryAt time.Time) error {
	return nil
}
func (f *fakeOutbox) ReclaimStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeOutbox) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	return nil, nil
}
func (f *fakeOutbox) ListForSubscription(ctx context.Context, subID string, filter repository.AttemptFilter, limit, offset int) ([]*domain.DeliveryAttempt, error) {
	return nil, nil
}
func (f *fakeOutbox) Stats(ctx context.Context, subID string) (*repository.StatsSummary, error) {
	return nil, nil
}
func (f *fakeOutbox) Shutdown(ctx context.Context) error { return nil }

type fakeDispatcher struct {
	mu       sync.Mutex
	accept   bool
	received []*domain.DeliveryAttempt
}

func (d *fakeDispatcher) Submit(a *domain.DeliveryAttempt) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accept {
		return false
	}
	d.received = append(d.received, a)
	return true
}

func sub(id string) *domain.Subscription {
	return &domain.Subscription{ID: id, TenantID: "tenant-1", MaxAttempts: 5}
}

func TestRouter_EmitFansOutOnePerMatch(t *testing.T) {
	lookup := &fakeLookup{subs: []*domain.Subscription{sub("s1"), sub("s2"), sub("s3")}}
	outbox := &fakeOutbox{}
	dispatcher := &fakeDispatcher{accept: true}
	r := New(lookup, outbox, dispatcher, nil)

	if err := r.Emit(context.Background(), "tenant-1", domain.EventSMSSent, nil, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}

	if len(outbox.inserted) != 3 {
		t.Fatalf("expected 3 inserted attempts, got %d", len(outbox.inserted))
	}
	for _, a := range outbox.inserted {
		if a.Status != domain.AttemptPending {
			t.Errorf("attempt %s: persisted status = %s, want pending", a.ID, a.Status)
		}
		if a.AttemptsMade != 0 {
			t.Errorf("attempt %s: AttemptsMade = %d, want 0", a.ID, a.AttemptsMade)
		}
	}
	if len(outbox.markInFlight) != 3 {
		t.Fatalf("expected 3 MarkInFlight calls, got %d", len(outbox.markInFlight))
	}
	if len(dispatcher.received) != 3 {
		t.Fatalf("expected 3 dispatcher submissions, got %d", len(dispatcher.received))
	}
	for _, a := range dispatcher.received {
		if a.Status != domain.AttemptInFlight {
			t.Errorf("attempt %s: status handed to dispatcher = %s, want in_flight", a.ID, a.Status)
		}
	}
}

func TestRouter_EmitNoMatchesInsertsNothing(t *testing.T) {
	lookup := &fakeLookup{subs: nil}
	outbox := &fakeOutbox{}
	dispatcher := &fakeDispatcher{accept: true}
	r := New(lookup, outbox, dispatcher, nil)

	if err := r.Emit(context.Background(), "tenant-1", domain.EventSMSBounced, nil, []byte(`{}`)); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if len(outbox.inserted) != 0 {
		t.Fatalf("expected zero inserted attempts on an event-mask mismatch, got %d", len(outbox.inserted))
	}
	if len(dispatcher.received) != 0 {
		t.Fatalf("expected zero dispatcher submissions, got %d", len(dispatcher.received))
	}
}

func TestRouter_EmitPropagatesInsertBatchError(t *testing.T) {
	lookup := &fakeLookup{subs: []*domain.Subscription{sub("s1")}}
	outbox := &fakeOutbox{insertErr: errors.New("connection reset")}
	dispatcher := &fakeDispatcher{accept: true}
	r := New(lookup, outbox, dispatcher, nil)

	err := r.Emit(context.Background(), "tenant-1", domain.EventSMSSent, nil, []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error when InsertBatch fails")
	}
	if len(dispatcher.received) != 0 {
		t.Fatalf("expected no dispatcher submissions when the insert never committed, got %d", len(dispatcher.received))
	}
}

func TestRouter_EmitSurvivesDispatcherSaturation(t *testing.T) {
	lookup := &fakeLookup{subs: []*domain.Subscription{sub("s1"), sub("s2")}}
	outbox := &fakeOutbox{}
	dispatcher := &fakeDispatcher{accept: false}
	r := New(lookup, outbox, dispatcher, nil)

	if err := r.Emit(context.Background(), "tenant-1", domain.EventSMSDelivered, nil, []byte(`{}`)); err != nil {
		t.Fatalf("Emit must not surface a saturated dispatcher as an error: %v", err)
	}
	if len(outbox.inserted) != 2 {
		t.Fatalf("rows must stay durable even when dispatch handoff is skipped, got %d inserted", len(outbox.inserted))
	}
	if len(dispatcher.received) != 0 {
		t.Fatalf("expected zero accepted submissions against a saturated dispatcher, got %d", len(dispatcher.received))
	}
}

func TestRouter_EmitPropagatesLookupError(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("db unavailable")}
	outbox := &fakeOutbox{}
	dispatcher := &fakeDispatcher{accept: true}
	r := New(lookup, outbox, dispatcher, nil)

	if err := r.Emit(context.Background(), "tenant-1", domain.EventSMSSent, nil, []byte(`{}`)); err == nil {
		t.Fatal("expected an error when subscription lookup fails")
	}
}

func TestRouter_EmitSourceEventIDCarriedThrough(t *testing.T) {
	lookup := &fakeLookup{subs: []*domain.Subscription{sub("s1")}}
	outbox := &fakeOutbox{}
	dispatcher := &fakeDispatcher{accept: true}
	r := New(lookup, outbox, dispatcher, nil)

	srcID := "evt-abc-123"
	if err := r.Emit(context.Background(), "tenant-1", domain.EventSMSSent, &srcID, []byte(`{}`)); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if len(outbox.inserted) != 1 || outbox.inserted[0].SourceEventID == nil || *outbox.inserted[0].SourceEventID != srcID {
		t.Fatalf("expected SourceEventID %q carried into the persisted attempt", srcID)
	}
}
