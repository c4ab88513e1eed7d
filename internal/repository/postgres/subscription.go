// Package postgres implements the repository interfaces against
// PostgreSQL via jackc/pgx/v5, the same driver and idiom the reference
// implementation uses: plain SQL, multi-row INSERTs for bulk writes, and
// FOR UPDATE SKIP LOCKED for safe concurrent claiming.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adityanageshsir/dispatchd/internal/domain"
)

// ErrNotFound is returned by single-row lookups that miss. Callers map
// this to domain.NotFoundError at the service boundary.
var ErrNotFound = errors.New("not found")

// SubscriptionRepository is the Postgres-backed Subscription Registry
// store. Grounded on the reference implementation's
// internal/repository/postgres/subscription.go, broadened to the full
// tenant-isolated schema and changed from soft to hard delete per the
// engine's explicit delete semantics.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		INSERT INTO subscriptions (
			id, tenant_id, url, name, description, event_mask, secret, active,
			retry_enabled, max_attempts, backoff_base_ms, max_payload_bytes,
			notify_on_failure, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err := r.pool.Exec(ctx, query,
		sub.ID, sub.TenantID, sub.URL, sub.Name, sub.Description, sub.EventMask,
		sub.Secret, sub.Active, sub.RetryEnabled, sub.MaxAttempts, sub.BackoffBaseMS,
		sub.MaxPayloadBytes, sub.NotifyOnFailure, sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

const subscriptionColumns = `
	id, tenant_id, url, name, description, event_mask, secret, active,
	retry_enabled, max_attempts, backoff_base_ms, max_payload_bytes,
	notify_on_failure, created_at, updated_at,
	total_calls, success_calls, failure_calls, last_call_at, last_status_code, avg_response_ms
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID, &s.TenantID, &s.URL, &s.Name, &s.Description, &s.EventMask, &s.Secret, &s.Active,
		&s.RetryEnabled, &s.MaxAttempts, &s.BackoffBaseMS, &s.MaxPayloadBytes,
		&s.NotifyOnFailure, &s.CreatedAt, &s.UpdatedAt,
		&s.Stats.TotalCalls, &s.Stats.SuccessCalls, &s.Stats.FailureCalls,
		&s.Stats.LastCallAt, &s.Stats.LastStatusCode, &s.Stats.AvgResponseMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM subscriptions WHERE id = $1", subscriptionColumns)
	return scanSubscription(r.pool.QueryRow(ctx, query, id))
}

func (r *SubscriptionRepository) List(ctx context.Context, tenantID string, active *bool, limit, offset int) ([]*domain.Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM subscriptions
		WHERE tenant_id = $1 AND ($2::boolean IS NULL OR active = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, subscriptionColumns)

	rows, err := r.pool.Query(ctx, query, tenantID, active, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		UPDATE subscriptions
		SET url=$2, name=$3, description=$4, event_mask=$5, active=$6,
		    retry_enabled=$7, max_attempts=$8, backoff_base_ms=$9,
		    max_payload_bytes=$10, notify_on_failure=$11, updated_at=$12
		WHERE id=$1
	`
	_, err := r.pool.Exec(ctx, query,
		sub.ID, sub.URL, sub.Name, sub.Description, sub.EventMask, sub.Active,
		sub.RetryEnabled, sub.MaxAttempts, sub.BackoffBaseMS, sub.MaxPayloadBytes,
		sub.NotifyOnFailure, sub.UpdatedAt,
	)
	return err
}

// Delete performs a hard delete. delivery_attempts.subscription_id carries
// ON DELETE CASCADE (see schema.sql), so associated rows are removed
// immediately rather than left to soft-delete bookkeeping.
func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) RotateSecret(ctx context.Context, id, newSecret string) (*domain.Subscription, error) {
	query := fmt.Sprintf(`
		UPDATE subscriptions SET secret = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, subscriptionColumns)
	return scanSubscription(r.pool.QueryRow(ctx, query, id, newSecret))
}

// IncrementStats performs the whole read-modify-write of the moving
// average inside one UPDATE statement so concurrent dispatch never loses
// a counter increment — the reference implementation's stats updates are
// the pattern this is grounded on, generalized from an in-process mutex
// to a single atomic SQL statement since the store is now shared across
// dispatcher processes.
func (r *SubscriptionRepository) IncrementStats(ctx context.Context, id string, success bool, statusCode int, latencyMs int64) error {
	const query = `
		UPDATE subscriptions SET
			total_calls = total_calls + 1,
			success_calls = success_calls + CASE WHEN $2 THEN 1 ELSE 0 END,
			failure_calls = failure_calls + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_call_at = NOW(),
			last_status_code = $3,
			avg_response_ms = avg_response_ms + ($4 - avg_response_ms) / (total_calls + 1)
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, success, statusCode, float64(latencyMs))
	return err
}

func (r *SubscriptionRepository) GetActiveByEventType(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM subscriptions
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at
	`, subscriptionColumns)

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if s.MatchesEventType(eventType) {
			matched = append(matched, s)
		}
	}
	return matched, rows.Err()
}
