package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adityanageshsir/dispatchd/internal/domain"
)

// BatcherConfig tunes AttemptBatcher's size- and time-based flush
// triggers. Grounded on the reference implementation's
// internal/repository/postgres/batcher.go, unchanged in mechanism —
// only the payload type moved from domain.Event to
// domain.DeliveryAttempt, since the Event Router now fans one emission
// out to N attempt rows that all want to land in the same INSERT.
type BatcherConfig struct {
	MaxSize int
	MaxWait time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{MaxSize: 50, MaxWait: 5 * time.Millisecond}
}

type pendingAttempt struct {
	attempt *domain.DeliveryAttempt
	done    chan error
}

// AttemptBatcher coalesces concurrent Insert calls into periodic
// multi-row INSERTs, trading a few milliseconds of added latency for a
// large reduction in round trips during high-fanout Emit bursts.
type AttemptBatcher struct {
	pool    *pgxpool.Pool
	config  BatcherConfig
	mu      sync.Mutex
	pending []pendingAttempt
	timer   *time.Timer
	shutdown chan struct{}
	done     chan struct{}
}

func NewAttemptBatcher(pool *pgxpool.Pool, config BatcherConfig) *AttemptBatcher {
	b := &AttemptBatcher{
		pool:     pool,
		config:   config,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *AttemptBatcher) run() {
	<-b.shutdown
	close(b.done)
}

// Add enqueues attempt and blocks until it has been flushed (or the
// context is cancelled). The first item in an otherwise-empty batch
// starts a MaxWait timer; a batch reaching MaxSize flushes immediately.
func (b *AttemptBatcher) Add(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	done := make(chan error, 1)

	b.mu.Lock()
	b.pending = append(b.pending, pendingAttempt{attempt: attempt, done: done})
	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.config.MaxWait, b.flush)
	}
	shouldFlushNow := len(b.pending) >= b.config.MaxSize
	b.mu.Unlock()

	if shouldFlushNow {
		b.flush()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *AttemptBatcher) flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	go b.executeBatch(batch)
}

func (b *AttemptBatcher) executeBatch(batch []pendingAttempt) {
	attempts := make([]*domain.DeliveryAttempt, len(batch))
	for i, p := range batch {
		attempts[i] = p.attempt
	}

	err := b.batchInsert(context.Background(), attempts)
	for _, p := range batch {
		p.done <- err
	}
}

func (b *AttemptBatcher) batchInsert(ctx context.Context, attempts []*domain.DeliveryAttempt) error {
	r := &OutboxRepository{pool: b.pool}
	return r.insertBatchChunk(ctx, attempts)
}

// Shutdown stops accepting the background run loop and performs a final
// flush of anything left pending.
func (b *AttemptBatcher) Shutdown(ctx context.Context) error {
	close(b.shutdown)
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.flush()
	return nil
}
