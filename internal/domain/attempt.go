package domain

import (
	"encoding/json"
	"time"
)

// AttemptStatus is the delivery state machine for a DeliveryAttempt row.
// Transitions are driven exclusively by the outbox store under row-level
// atomic updates — see internal/repository/postgres.OutboxRepository.
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptInFlight AttemptStatus = "in_flight"
	AttemptSuccess  AttemptStatus = "success"
	AttemptFailed   AttemptStatus = "failed"
)

// DeliveryAttempt is the durable record of a single logical delivery
// (across all retries) of one emitted event to one subscription.
type DeliveryAttempt struct {
	ID                string          `json:"id"`
	SubscriptionID    string          `json:"subscription_id"`
	TenantID          string          `json:"tenant_id"`
	SourceEventID     *string         `json:"source_event_id,omitempty"`
	EventType         string          `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	Status            AttemptStatus   `json:"status"`
	AttemptsMade      int             `json:"attempts_made"`
	MaxAttempts       int             `json:"max_attempts"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	LastError         *string         `json:"last_error,omitempty"`
	LastHTTPCode      *int            `json:"last_http_code,omitempty"`
	LastAttemptAt     *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	Signature         *string         `json:"signature,omitempty"`
	RequestDurationMs int             `json:"request_duration_ms"`
}

// CanRetry reports whether another attempt is permitted by the budget
// copied from the subscription at emission time.
func (a *DeliveryAttempt) CanRetry() bool {
	return a.AttemptsMade < a.MaxAttempts
}

// MaxErrorLen bounds how much of an error string is persisted; the
// dispatcher truncates before calling any of the transition helpers.
const MaxErrorLen = 2048

// TruncateError clips err to its first MaxErrorLen bytes so a
// pathological error message cannot balloon a row.
func TruncateError(err string) string {
	if len(err) <= MaxErrorLen {
		return err
	}
	return err[:MaxErrorLen]
}
