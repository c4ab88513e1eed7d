// Package retry computes redelivery spacing (CalculateDelay/NextAttemptTime,
// see policy.go) and runs the Retry Scheduler (C5): the periodic sweep that
// reclaims stuck in_flight rows and hands due attempts back to the
// Dispatcher. Grounded on the reference implementation's internal/retry
// package — same ticker-loop mechanics — rewired from its event-repository
// polling model onto the outbox's claim-based contract.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/repository"
)

// Dispatcher is the narrow slice of worker.Pool the Scheduler depends on:
// a non-blocking handoff of a claimed, already-InFlight row.
type Dispatcher interface {
	Submit(a *domain.DeliveryAttempt) bool
}

// SchedulerConfig holds configuration for the Retry Scheduler.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler sweeps the outbox.
	TickInterval time.Duration
	// ClaimBatch is the maximum number of due rows claimed per tick.
	ClaimBatch int
	// StuckAfter is the per-attempt HTTP timeout the reclaim cutoff is
	// derived from: a row is considered crashed if its last_attempt_at
	// predates now by more than 5*StuckAfter.
	StuckAfter time.Duration
}

// DefaultSchedulerConfig returns the engine's defaults: a 60s tick, a
// 200-row claim batch, and a stuck cutoff derived from the Dispatcher's
// 10s request timeout.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval: 60 * time.Second,
		ClaimBatch:   200,
		StuckAfter:   10 * time.Second,
	}
}

// Scheduler is the single logical timer loop described in the component
// design: one per process, safe to run redundantly because ClaimDue is
// atomic (no leader election required).
type Scheduler struct {
	config     SchedulerConfig
	outboxRepo repository.OutboxRepository
	dispatcher Dispatcher
	clock      clockLike
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// clockLike avoids an import cycle on internal/clock's concrete type while
// keeping the Scheduler's only time dependency swappable in tests.
type clockLike interface {
	Now() time.Time
}

// NewScheduler creates a Retry Scheduler. clk is typically a
// *clock.RealClock in production and a *clock.MockClock in tests.
func NewScheduler(
	outboxRepo repository.OutboxRepository,
	dispatcher Dispatcher,
	clk clockLike,
	config SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if config.TickInterval == 0 {
		config.TickInterval = 60 * time.Second
	}
	if config.ClaimBatch == 0 {
		config.ClaimBatch = 200
	}
	if config.StuckAfter == 0 {
		config.StuckAfter = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config:     config,
		outboxRepo: outboxRepo,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the tick loop. It blocks until Stop is called or ctx is
// cancelled, so callers typically run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.logger.Info("retry scheduler started",
		"tick_interval", s.config.TickInterval,
		"claim_batch", s.config.ClaimBatch,
	)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("retry scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the scheduler to stop and waits for the in-flight tick, if
// any, to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// tick performs the two-step sweep: reclaim rows abandoned by a crashed
// worker, then claim and hand off whatever is now due. It never blocks on
// the Dispatcher — Submit is non-blocking by contract, and once it starts
// reporting a saturated pool the tick stops handing off further rows,
// leaving them claimed-InFlight for the next ReclaimStuck to recover if
// the saturation persists past the stuck cutoff.
func (s *Scheduler) tick(ctx context.Context) {
	cutoff := s.clock.Now().Add(-5 * s.config.StuckAfter)
	reclaimed, err := s.outboxRepo.ReclaimStuck(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to reclaim stuck deliveries", "error", err)
	} else if reclaimed > 0 {
		s.logger.Warn("reclaimed stuck in_flight deliveries", "count", reclaimed, "cutoff", cutoff)
	}

	claimed, err := s.outboxRepo.ClaimDue(ctx, s.clock.Now(), s.config.ClaimBatch)
	if err != nil {
		s.logger.Error("failed to claim due deliveries", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	submitted := 0
	for _, a := range claimed {
		if !s.dispatcher.Submit(a) {
			s.logger.Warn("dispatcher saturated, deferring remaining claimed rows to next tick",
				"submitted", submitted, "remaining", len(claimed)-submitted)
			break
		}
		submitted++
	}

	s.logger.Debug("retry scheduler tick complete", "claimed", len(claimed), "submitted", submitted)
}
