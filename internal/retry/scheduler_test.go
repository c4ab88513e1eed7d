package retry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeOutbox struct {
	mu sync.Mutex

	due            []*domain.DeliveryAttempt
	reclaimed      int64
	reclaimErr     error
	claimDueCalls  int
	claimDueCutoff []time.Time
	reclaimCutoffs []time.Time
}

func (f *fakeOutbox) Insert(ctx context.Context, attempt *domain.DeliveryAttempt) error { return nil }
func (f *fakeOutbox) InsertBatch(ctx context.Context, attempts []*domain.DeliveryAttempt) error {
	return nil
}

func (f *fakeOutbox) ClaimDue(ctx context.Context, now time.Time, max int) ([]*domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimDueCalls++
	f.claimDueCutoff = append(f.claimDueCutoff, now)
	if len(f.due) > max {
		claimed := f.due[:max]
		f.due = f.due[max:]
		return claimed, nil
	}
	claimed := f.due
	f.due = nil
	return claimed, nil
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

func (f *fakeOutbox) MarkInFlight(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (f *fakeOutbox) ReclaimStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimCutoffs = append(f.reclaimCutoffs, cutoff)
	return f.reclaimed, f.reclaimErr
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

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func attempt(id string) *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		ID:      id,
		Payload: json.RawMessage(`{}`),
		Status:  domain.AttemptInFlight,
	}
}

func TestScheduler_TickClaimsAndSubmits(t *testing.T) {
	outbox := &fakeOutbox{due: []*domain.DeliveryAttempt{attempt("a1"), attempt("a2")}}
	dispatcher := &fakeDispatcher{accept: true}
	clk := &fakeClock{now: time.Now()}

	s := NewScheduler(outbox, dispatcher, clk, SchedulerConfig{ClaimBatch: 200, StuckAfter: 10 * time.Second}, nil)
	s.tick(context.Background())

	if dispatcher.count() != 2 {
		t.Fatalf("expected both due rows submitted, got %d", dispatcher.count())
	}
	if outbox.claimDueCalls != 1 {
		t.Fatalf("expected one ClaimDue call, got %d", outbox.claimDueCalls)
	}
}

func TestScheduler_TickStopsSubmittingWhenDispatcherSaturated(t *testing.T) {
	outbox := &fakeOutbox{due: []*domain.DeliveryAttempt{attempt("a1"), attempt("a2"), attempt("a3")}}
	dispatcher := &fakeDispatcher{accept: false}
	clk := &fakeClock{now: time.Now()}

	s := NewScheduler(outbox, dispatcher, clk, SchedulerConfig{ClaimBatch: 200, StuckAfter: 10 * time.Second}, nil)
	s.tick(context.Background())

	if dispatcher.count() != 0 {
		t.Fatalf("expected zero submissions against a saturated dispatcher, got %d", dispatcher.count())
	}
}

func TestScheduler_TickReclaimsBeforeClaiming(t *testing.T) {
	outbox := &fakeOutbox{reclaimed: 3}
	dispatcher := &fakeDispatcher{accept: true}
	clk := &fakeClock{now: time.Now()}

	s := NewScheduler(outbox, dispatcher, clk, SchedulerConfig{StuckAfter: 10 * time.Second}, nil)
	s.tick(context.Background())

	if len(outbox.reclaimCutoffs) != 1 {
		t.Fatalf("expected one ReclaimStuck call, got %d", len(outbox.reclaimCutoffs))
	}
	wantCutoff := clk.Now().Add(-5 * 10 * time.Second)
	if !outbox.reclaimCutoffs[0].Equal(wantCutoff) {
		t.Errorf("reclaim cutoff = %v, want %v", outbox.reclaimCutoffs[0], wantCutoff)
	}
}

func TestScheduler_TickNoOpWhenNothingDue(t *testing.T) {
	outbox := &fakeOutbox{}
	dispatcher := &fakeDispatcher{accept: true}
	clk := &fakeClock{now: time.Now()}

	s := NewScheduler(outbox, dispatcher, clk, SchedulerConfig{}, nil)
	s.tick(context.Background())
	s.tick(context.Background())

	if dispatcher.count() != 0 {
		t.Fatalf("expected no submissions when nothing is due, got %d", dispatcher.count())
	}
	if outbox.claimDueCalls != 2 {
		t.Fatalf("expected two ClaimDue calls across two ticks, got %d", outbox.claimDueCalls)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	outbox := &fakeOutbox{due: []*domain.DeliveryAttempt{attempt("a1")}}
	dispatcher := &fakeDispatcher{accept: true}
	clk := &fakeClock{now: time.Now()}

	s := NewScheduler(outbox, dispatcher, clk, SchedulerConfig{TickInterval: 10 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for dispatcher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dispatcher.count() == 0 {
		t.Fatal("expected the initial immediate tick to submit the due row")
	}

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	if cfg.TickInterval != 60*time.Second {
		t.Errorf("TickInterval = %v, want 60s", cfg.TickInterval)
	}
	if cfg.ClaimBatch != 200 {
		t.Errorf("ClaimBatch = %d, want 200", cfg.ClaimBatch)
	}
}
