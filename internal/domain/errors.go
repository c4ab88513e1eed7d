// Package domain contains the core business entities and logic for the
// webhook delivery engine: subscriptions, delivery attempts, and the
// state transitions the dispatcher is allowed to make on them.
package domain

import "fmt"

// ValidationError reports a malformed subscription create/update request.
// Field names the offending input field so the HTTP boundary can build a
// precise 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports that a subscription or delivery attempt id is
// unknown to the store.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ForbiddenError reports that the resource exists but belongs to a
// different tenant. Handlers collapse this into the same response as
// NotFoundError so a caller cannot distinguish "absent" from "not yours".
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %q belongs to another tenant", e.Resource, e.ID)
}

// PayloadTooLargeError reports that a delivery's payload exceeds the
// subscription's max_payload_bytes. It is a terminal delivery outcome,
// never surfaced through the admin API.
type PayloadTooLargeError struct {
	SubscriptionID string
	Size           int
	Limit          int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload %d bytes exceeds limit %d for subscription %s", e.Size, e.Limit, e.SubscriptionID)
}
