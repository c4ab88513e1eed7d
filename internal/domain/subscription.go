package domain

import (
	"net/url"
	"time"
)

// EventType enumerates the SMS lifecycle transitions a subscription may
// register interest in. The set is closed; the ingest consumer rejects
// anything outside it before calling Router.Emit, not here.
const (
	EventSMSSent      = "sms.sent"
	EventSMSDelivered = "sms.delivered"
	EventSMSFailed    = "sms.failed"
	EventSMSBounced   = "sms.bounced"
	EventSMSRead      = "sms.read"
)

var validEventTypes = map[string]bool{
	EventSMSSent:      true,
	EventSMSDelivered: true,
	EventSMSFailed:    true,
	EventSMSBounced:   true,
	EventSMSRead:      true,
}

// IsValidEventType reports whether t is one of the five defined SMS
// lifecycle event types.
func IsValidEventType(t string) bool {
	return validEventTypes[t]
}

const (
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10
	MinBackoffBaseMS   = 1_000
	MaxBackoffBaseMS   = 3_600_000
	MinMaxPayloadBytes = 10 * 1024
	MaxMaxPayloadBytes = 10 * 1024 * 1024

	DefaultMaxAttempts     = 5
	DefaultBackoffBaseMS   = 1_000
	DefaultMaxPayloadBytes = 256 * 1024
)

// Stats holds the monotonic delivery counters and last-call summary for a
// subscription. It is mutated exclusively by the dispatcher through
// Registry.IncrementStats; the admin API only ever reads it.
type Stats struct {
	TotalCalls     int64      `json:"total_calls"`
	SuccessCalls   int64      `json:"success_calls"`
	FailureCalls   int64      `json:"failure_calls"`
	LastCallAt     *time.Time `json:"last_call_at,omitempty"`
	LastStatusCode int        `json:"last_status_code"`
	AvgResponseMs  float64    `json:"avg_response_ms"`
}

// Subscription is a tenant's registration of a callback URL plus its
// retry policy and signing secret. Secret is encoded to JSON whenever it is
// non-empty; responses that must not carry it encode Redacted() instead.
type Subscription struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	URL             string     `json:"url"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	EventMask       []string   `json:"event_mask"`
	Secret          string     `json:"secret,omitempty"`
	Active          bool       `json:"active"`
	RetryEnabled    bool       `json:"retry_enabled"`
	MaxAttempts     int        `json:"max_attempts"`
	BackoffBaseMS   int        `json:"backoff_base_ms"`
	MaxPayloadBytes int        `json:"max_payload_bytes"`
	NotifyOnFailure bool       `json:"notify_on_failure"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Stats           Stats      `json:"stats"`
}

// Redacted returns a shallow copy of s with Secret cleared, for use in
// List responses where the secret must never be echoed back.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

// MatchesEventType reports whether eventType is covered by s's event
// mask, honoring a trailing-wildcard convention ("sms.*" or bare "*").
func (s *Subscription) MatchesEventType(eventType string) bool {
	for _, t := range s.EventMask {
		if t == "*" || t == eventType {
			return true
		}
		if matchWildcard(t, eventType) {
			return true
		}
	}
	return false
}

func matchWildcard(pattern, eventType string) bool {
	if len(pattern) == 0 {
		return len(eventType) == 0
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return pattern == eventType
}

// SubscriptionSpec carries the fields accepted on Create and Update. Zero
// values for the numeric fields mean "use the default" on Create and
// "leave unchanged" on Update; callers distinguish the two call sites.
type SubscriptionSpec struct {
	URL             string
	Name            string
	Description     string
	EventMask       []string
	Active          *bool
	RetryEnabled    *bool
	MaxAttempts     int
	BackoffBaseMS   int
	MaxPayloadBytes int
	NotifyOnFailure *bool
}

// Validate checks the structural invariants shared by Create and Update:
// a parseable http(s) URL, a non-empty event mask drawn from the closed
// set, and numeric fields within their documented ranges. Zero-valued
// numeric fields are treated as "not supplied" and skipped — callers that
// need defaults apply them before or after calling Validate.
func (s *SubscriptionSpec) Validate() error {
	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
		}
	}
	if s.EventMask != nil {
		if len(s.EventMask) == 0 {
			return &ValidationError{Field: "event_mask", Reason: "must not be empty"}
		}
		for _, t := range s.EventMask {
			if t != "*" && !IsValidEventType(t) {
				return &ValidationError{Field: "event_mask", Reason: "unknown event type: " + t}
			}
		}
	}
	if s.MaxAttempts != 0 && (s.MaxAttempts < MinMaxAttempts || s.MaxAttempts > MaxMaxAttempts) {
		return &ValidationError{Field: "max_attempts", Reason: "must be between 1 and 10"}
	}
	if s.BackoffBaseMS != 0 && (s.BackoffBaseMS < MinBackoffBaseMS || s.BackoffBaseMS > MaxBackoffBaseMS) {
		return &ValidationError{Field: "backoff_base_ms", Reason: "must be between 1000 and 3600000"}
	}
	if s.MaxPayloadBytes != 0 && (s.MaxPayloadBytes < MinMaxPayloadBytes || s.MaxPayloadBytes > MaxMaxPayloadBytes) {
		return &ValidationError{Field: "max_payload_bytes", Reason: "must be between 10KiB and 10MiB"}
	}
	return nil
}
