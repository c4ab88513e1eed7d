// Package worker implements the Dispatcher (C4): a bounded pool of
// goroutines that take DeliveryAttempt rows already transitioned to
// InFlight — handed off either by the Event Router's fresh-emission
// channel or by the Retry Scheduler's sweep — and perform exactly one
// HTTP delivery attempt against the owning subscription's URL.
//
// Architecture:
//
//	Router.Emit ──┐
//	              ├──► jobs chan ──► worker 1..N ──► POST receiver URL
//	Scheduler  ───┘                     │
//	                                     ▼
//	                         MarkSuccess / ScheduleRetry / MarkFailed
//
// Workers never poll the database directly — the row is already claimed
// before it reaches the channel: by the Router's MarkInFlight for a fresh
// emission, or by ClaimDue's FOR UPDATE SKIP LOCKED for a Scheduler sweep.
// Submit is non-blocking: a saturated pool drops the handoff and relies
// on the Retry Scheduler to pick the (already-durable, still InFlight)
// row back up on its next sweep.
package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adityanageshsir/dispatchd/internal/clock"
	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/observability"
	"github.com/adityanageshsir/dispatchd/internal/repository"
	"github.com/adityanageshsir/dispatchd/internal/resilience"
	"github.com/adityanageshsir/dispatchd/internal/retry"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AdmissionRateLimit is the per-subscription token-bucket rate applied at
// the pre-flight admission check. Subscription does not carry an
// operator-tunable rate of its own, so every subscription shares this
// engine-wide default bucket.
const AdmissionRateLimit = resilience.DefaultRateLimit

// AdmissionRejectionDelay is the fixed interval a row is rescheduled by
// after a rate-limit or circuit-breaker denial — backpressure, not a
// delivery failure, so it never touches attempts_made.
const AdmissionRejectionDelay = 5 * time.Second

// responseBodyCap bounds how much of a receiver's response body is read,
// purely to avoid a pathological receiver exhausting worker memory; the
// body itself is never inspected for the success/failure decision.
const responseBodyCap = 4096

// Config defines Dispatcher pool parameters.
type Config struct {
	// Workers is the number of concurrent delivery goroutines.
	Workers int
	// ChannelBuffer bounds the fresh-emission/retry-sweep handoff channel.
	ChannelBuffer int
	// RequestTimeout is the hard per-attempt HTTP timeout.
	RequestTimeout time.Duration
	// MaxRedirects caps how many redirects a single attempt will follow.
	MaxRedirects int
	// ShutdownTimeout bounds how long Stop waits for in-flight attempts
	// to finish before returning with rows left InFlight for recovery.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         32,
		ChannelBuffer:   1024,
		RequestTimeout:  10 * time.Second,
		MaxRedirects:    3,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Pool manages the Dispatcher's worker goroutines. Use NewPool to
// construct, WithMetrics/WithResilience/WithSemaphore to attach optional
// collaborators, then Start to begin processing and Stop for graceful
// shutdown.
type Pool struct {
	config     Config
	subRepo    repository.SubscriptionRepository
	outboxRepo repository.OutboxRepository
	httpClient HTTPClient
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	rateLimiter    resilience.RateLimiter
	circuitBreaker resilience.CircuitBreaker
	semaphore      resilience.Semaphore

	jobs   chan *domain.DeliveryAttempt
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a Dispatcher pool with the given dependencies. Use
// WithMetrics, WithResilience, and WithSemaphore to add optional
// collaborators before calling Start.
func NewPool(
	config Config,
	subRepo repository.SubscriptionRepository,
	outboxRepo repository.OutboxRepository,
	httpClient HTTPClient,
	clk clock.Clock,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= config.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
				}
				return nil
			},
		}
	}
	return &Pool{
		config:     config,
		subRepo:    subRepo,
		outboxRepo: outboxRepo,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
		jobs:       make(chan *domain.DeliveryAttempt, config.ChannelBuffer),
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// WithResilience enables the pre-flight rate-limiter and circuit-breaker
// admission checks. Accepts the resilience.RateLimiter/CircuitBreaker
// interfaces, so either the in-memory or the Redis-backed implementation
// can be wired in without code change.
func (p *Pool) WithResilience(rl resilience.RateLimiter, cb resilience.CircuitBreaker) *Pool {
	p.rateLimiter = rl
	p.circuitBreaker = cb
	return p
}

// WithSemaphore bounds concurrent in-flight deliveries per subscription,
// on top of the rate limiter's requests-per-second budget: a subscription
// can be well under its rate limit while still having too many attempts
// outstanding against a slow destination. Only the Redis-backed semaphore
// is wired up today (see cmd/ingest), since a single process's own worker
// count already caps its in-process concurrency.
func (p *Pool) WithSemaphore(s resilience.Semaphore) *Pool {
	p.semaphore = s
	return p
}

// Start launches the worker goroutines. ctx governs intake only: once it
// is done, workers stop accepting new jobs from the channel but any
// delivery already under way runs to completion (bounded by
// RequestTimeout), independent of ctx.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("dispatcher pool started", "workers", p.config.Workers)
}

// Stop signals workers to stop pulling new jobs and waits up to
// ShutdownTimeout for in-flight deliveries to finish. Rows still InFlight
// when the deadline elapses are recovered by the Retry Scheduler's stuck
// claim sweep.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatcher pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("dispatcher shutdown deadline exceeded; in-flight rows left for scheduler recovery")
	}
}

// Submit hands a in_flight row to the pool for immediate delivery. It
// never blocks: a saturated channel drops the handoff, which is safe
// because the row is already durable and InFlight — the Retry
// Scheduler's next sweep will claim it via ReclaimStuck once it goes
// stale.
func (p *Pool) Submit(a *domain.DeliveryAttempt) bool {
	select {
	case p.jobs <- a:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("dispatcher worker shutting down", "worker_id", id)
			return
		case a := <-p.jobs:
			// deliver runs on its own background context so an in-flight
			// attempt is not aborted by the pool's shutdown signal; it is
			// still bounded by RequestTimeout.
			p.deliver(context.Background(), a)
		}
	}
}

// deliver performs the single-attempt algorithm for row a: fetch the
// owning subscription fresh (so a secret rotation or deactivation mid-
// retry takes effect), reject oversized payloads before signing, sign
// and send past the rate limiter's and semaphore's admission checks,
// through the circuit breaker's Execute (which both gates and records the
// outcome), then classify the outcome into Success/Retriable/Terminal and
// persist the result. ctx carries a logger enriched with this attempt's
// delivery_id/subscription_id/tenant_id (see internal/observability) so
// every downstream log line is attributable without repeating those fields
// at each call site.
func (p *Pool) deliver(ctx context.Context, a *domain.DeliveryAttempt) {
	// Seeded before the subscription lookup so every downstream log line —
	// including the subscription-missing branch below — carries delivery_id
	// even if the lookup itself fails.
	ctx = observability.ContextWithDeliveryAttempt(ctx, p.logger, a.ID, a.SubscriptionID, "")
	logger := observability.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic recovered in dispatcher worker; row left in_flight for recovery", "panic", r)
		}
	}()

	sub, err := p.subRepo.GetByID(ctx, a.SubscriptionID)
	if err != nil {
		logger.Warn("subscription missing for in_flight delivery; marking failed", "error", err)
		p.markFailed(ctx, a, nil, "subscription no longer exists: "+err.Error(), 0, "")
		return
	}

	ctx = observability.ContextWithDeliveryAttempt(ctx, p.logger, a.ID, sub.ID, sub.TenantID)
	logger = observability.LoggerFromContext(ctx)

	body := []byte(a.Payload)

	if len(body) > sub.MaxPayloadBytes {
		tooLarge := &domain.PayloadTooLargeError{SubscriptionID: sub.ID, Size: len(body), Limit: sub.MaxPayloadBytes}
		logger.Warn("payload too large, terminal failure", "error", tooLarge)
		p.markFailed(ctx, a, sub, tooLarge.Error(), 0, "")
		return
	}

	signature := computeSignature(body, sub.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		p.markFailed(ctx, a, sub, "failed to build request: "+err.Error(), 0, signature)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", a.EventType)
	req.Header.Set("X-Webhook-Delivery", a.ID)

	rejected, releaseSlot := p.checkAdmission(ctx, sub)
	if rejected {
		nextAttempt := p.clock.Now().Add(AdmissionRejectionDelay)
		if err := p.outboxRepo.Reschedule(ctx, a.ID, nextAttempt); err != nil {
			logger.Error("failed to reschedule admission-rejected delivery", "error", err)
		}
		p.recordThrottled()
		return
	}
	if releaseSlot != nil {
		defer releaseSlot()
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	var (
		outcome  deliveryOutcome
		httpCode int
		respErr  error
	)
	sendAndClassify := func() error {
		resp, doErr := p.httpClient.Do(req)
		outcome, httpCode, respErr = p.classify(resp, doErr)
		if resp != nil {
			resp.Body.Close()
		}
		if outcome == outcomeSuccess {
			return nil
		}
		return respErr
	}

	start := p.clock.Now()
	var cbErr error
	if p.circuitBreaker != nil {
		cbErr = p.circuitBreaker.Execute(ctx, sub.ID, sendAndClassify)
	} else {
		cbErr = sendAndClassify()
	}
	duration := p.clock.Now().Sub(start)

	if errors.Is(cbErr, resilience.ErrCircuitOpen) {
		nextAttempt := p.clock.Now().Add(AdmissionRejectionDelay)
		if err := p.outboxRepo.Reschedule(ctx, a.ID, nextAttempt); err != nil {
			logger.Error("failed to reschedule admission-rejected delivery", "error", err)
		}
		p.recordThrottled()
		return
	}
	p.recordAttempt(duration)

	switch outcome {
	case outcomeSuccess:
		p.markSuccess(ctx, a, httpCode, int(duration.Milliseconds()), signature)
		p.incrementStats(ctx, sub.ID, true, httpCode, duration)
	case outcomeRetriable:
		p.handleRetriable(ctx, a, sub, respErr, httpCode, int(duration.Milliseconds()), signature)
		p.incrementStats(ctx, sub.ID, false, httpCode, duration)
	case outcomeTerminal:
		p.markFailed(ctx, a, sub, respErr.Error(), httpCode, signature)
		p.incrementStats(ctx, sub.ID, false, httpCode, duration)
	}
}

// checkAdmission consults the rate limiter and the per-subscription
// concurrency semaphore and reports whether the attempt should be denied
// before anything is sent. When admission passes because a semaphore slot
// was acquired, release is non-nil and the caller must invoke it once the
// attempt finishes. The circuit breaker is not checked here: it gates and
// records around the HTTP attempt itself via Execute (see deliver).
func (p *Pool) checkAdmission(ctx context.Context, sub *domain.Subscription) (rejected bool, release func()) {
	logger := observability.LoggerFromContext(ctx)

	if p.rateLimiter != nil {
		allowed, err := p.rateLimiter.Allow(ctx, sub.ID, AdmissionRateLimit)
		if err != nil {
			logger.Warn("rate limiter error, allowing attempt", "error", err)
		} else if !allowed {
			logger.Debug("admission rejected by rate limiter")
			if p.metrics != nil {
				p.metrics.RateLimiterRejections.WithLabelValues(sub.ID).Inc()
			}
			return true, nil
		}
	}

	if p.semaphore != nil {
		acquired, err := p.semaphore.Acquire(ctx, sub.ID)
		if err != nil {
			logger.Warn("semaphore acquire error, allowing attempt", "error", err)
		} else if !acquired {
			logger.Debug("admission rejected by semaphore")
			return true, nil
		} else {
			return false, func() {
				if relErr := p.semaphore.Release(ctx, sub.ID); relErr != nil {
					logger.Warn("semaphore release failed", "error", relErr)
				}
			}
		}
	}

	return false, nil
}

type deliveryOutcome int

const (
	outcomeSuccess deliveryOutcome = iota
	outcomeRetriable
	outcomeTerminal
)

var retriableStatusCodes = map[int]bool{408: true, 425: true, 429: true}

// classify maps a completed (or failed) HTTP round-trip onto the three-
// way outcome the rest of the algorithm branches on. httpCode is -1 for
// a transport error, matching the persisted last_http_code convention.
func (p *Pool) classify(resp *http.Response, doErr error) (deliveryOutcome, int, error) {
	if doErr != nil {
		return outcomeRetriable, -1, fmt.Errorf("request failed: %w", doErr)
	}

	code := resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))

	switch {
	case code >= 200 && code < 400:
		return outcomeSuccess, code, nil
	case retriableStatusCodes[code] || code >= 500:
		return outcomeRetriable, code, fmt.Errorf("delivery failed with status %d: %s", code, truncatedBody(body))
	default:
		return outcomeTerminal, code, fmt.Errorf("delivery rejected with status %d: %s", code, truncatedBody(body))
	}
}

func truncatedBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

// handleRetriable schedules another attempt if the budget and the
// subscription's retry_enabled flag both allow it, otherwise marks the
// row permanently failed.
func (p *Pool) handleRetriable(ctx context.Context, a *domain.DeliveryAttempt, sub *domain.Subscription, cause error, httpCode int, durationMs int, signature string) {
	logger := observability.LoggerFromContext(ctx)
	errStr := domain.TruncateError(cause.Error())

	if a.AttemptsMade+1 < a.MaxAttempts && sub.RetryEnabled {
		delay := retry.CalculateDelay(sub.BackoffBaseMS, a.AttemptsMade)
		nextRetryAt := p.clock.Now().Add(delay)
		var codePtr *int
		if httpCode > 0 || httpCode == -1 {
			codePtr = &httpCode
		}
		if err := p.outboxRepo.ScheduleRetry(ctx, a.ID, nextRetryAt, errStr, codePtr, durationMs, signature); err != nil {
			logger.Error("failed to schedule retry", "error", err)
		}
		p.recordRetrying()
		logger.Info("scheduled delivery retry", "attempts_made", a.AttemptsMade, "next_retry_at", nextRetryAt)
		return
	}

	p.markFailed(ctx, a, sub, errStr, httpCode, signature)
}

func (p *Pool) markSuccess(ctx context.Context, a *domain.DeliveryAttempt, httpCode, durationMs int, signature string) {
	logger := observability.LoggerFromContext(ctx)
	if err := p.outboxRepo.MarkSuccess(ctx, a.ID, httpCode, durationMs, signature, p.clock.Now()); err != nil {
		logger.Error("failed to mark delivery success", "error", err)
	}
	p.recordDelivered()
}

func (p *Pool) markFailed(ctx context.Context, a *domain.DeliveryAttempt, sub *domain.Subscription, lastError string, httpCode int, signature string) {
	logger := observability.LoggerFromContext(ctx)
	var codePtr *int
	if httpCode > 0 || httpCode == -1 {
		codePtr = &httpCode
	}
	durationMs := 0
	if err := p.outboxRepo.MarkFailed(ctx, a.ID, domain.TruncateError(lastError), codePtr, durationMs, signature); err != nil {
		logger.Error("failed to mark delivery failed", "error", err)
	}
	p.recordFailed()
	if sub != nil {
		logger.Warn("delivery failed permanently", "attempts_made", a.AttemptsMade, "error", lastError)
	}
}

func (p *Pool) incrementStats(ctx context.Context, subID string, success bool, httpCode int, duration time.Duration) {
	if err := p.subRepo.IncrementStats(ctx, subID, success, httpCode, duration.Milliseconds()); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to increment subscription stats", "error", err)
	}
}

func computeSignature(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature is the receiver-side recipe the engine documents for
// verifying a callback: constant-time comparison against the recomputed
// HMAC, never a plain ==.
func VerifySignature(body []byte, secret, signature string) bool {
	expected := computeSignature(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (p *Pool) recordDelivered() {
	if p.metrics != nil {
		p.metrics.DeliveriesSucceeded.Inc()
	}
}

func (p *Pool) recordFailed() {
	if p.metrics != nil {
		p.metrics.DeliveriesFailed.Inc()
	}
}

func (p *Pool) recordRetrying() {
	if p.metrics != nil {
		p.metrics.DeliveriesRetrying.Inc()
	}
}

func (p *Pool) recordThrottled() {
	if p.metrics != nil {
		p.metrics.DeliveriesThrottled.Inc()
	}
}

func (p *Pool) recordAttempt(duration time.Duration) {
	if p.metrics != nil {
		p.metrics.DeliveryAttempts.Inc()
		p.metrics.DeliveryDuration.Observe(duration.Seconds())
	}
}
