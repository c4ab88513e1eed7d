package domain

import "testing"

func TestSubscription_MatchesEventType(t *testing.T) {
	tests := []struct {
		name      string
		eventMask []string
		eventType string
		want      bool
	}{
		{"exact match", []string{EventSMSDelivered}, EventSMSDelivered, true},
		{"no match", []string{EventSMSDelivered}, EventSMSFailed, false},
		{"wildcard all", []string{"*"}, EventSMSRead, true},
		{"wildcard prefix", []string{"sms.*"}, EventSMSBounced, true},
		{"wildcard prefix no match", []string{"call.*"}, EventSMSSent, false},
		{"multiple types match first", []string{EventSMSSent, EventSMSDelivered}, EventSMSSent, true},
		{"multiple types match second", []string{EventSMSSent, EventSMSDelivered}, EventSMSDelivered, true},
		{"multiple types no match", []string{EventSMSSent, EventSMSDelivered}, EventSMSFailed, false},
		{"empty event mask", []string{}, EventSMSSent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Subscription{EventMask: tt.eventMask}
			if got := s.MatchesEventType(tt.eventType); got != tt.want {
				t.Errorf("MatchesEventType(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestSubscription_Redacted(t *testing.T) {
	s := Subscription{ID: "sub_1", Secret: "shh"}
	r := s.Redacted()
	if r.Secret != "" {
		t.Errorf("expected Redacted to clear Secret, got %q", r.Secret)
	}
	if s.Secret != "shh" {
		t.Errorf("Redacted must not mutate the receiver, got %q", s.Secret)
	}
}

func TestSubscriptionSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    SubscriptionSpec
		wantErr string
	}{
		{
			name: "valid spec",
			spec: SubscriptionSpec{URL: "https://example.com/hook", EventMask: []string{EventSMSDelivered}},
		},
		{
			name:    "non-absolute URL",
			spec:    SubscriptionSpec{URL: "example.com/hook"},
			wantErr: "url",
		},
		{
			name:    "non-http scheme",
			spec:    SubscriptionSpec{URL: "ftp://example.com/hook"},
			wantErr: "url",
		},
		{
			name:    "empty event mask",
			spec:    SubscriptionSpec{EventMask: []string{}},
			wantErr: "event_mask",
		},
		{
			name:    "unknown event type",
			spec:    SubscriptionSpec{EventMask: []string{"sms.exploded"}},
			wantErr: "event_mask",
		},
		{
			name:    "max attempts out of range",
			spec:    SubscriptionSpec{MaxAttempts: 50},
			wantErr: "max_attempts",
		},
		{
			name:    "backoff base out of range",
			spec:    SubscriptionSpec{BackoffBaseMS: 1},
			wantErr: "backoff_base_ms",
		},
		{
			name:    "max payload bytes out of range",
			spec:    SubscriptionSpec{MaxPayloadBytes: 1},
			wantErr: "max_payload_bytes",
		},
		{
			name: "wildcard event mask allowed",
			spec: SubscriptionSpec{EventMask: []string{"*"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			ve, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tt.wantErr {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.wantErr)
			}
		})
	}
}

func TestIsValidEventType(t *testing.T) {
	if !IsValidEventType(EventSMSDelivered) {
		t.Errorf("expected %q to be valid", EventSMSDelivered)
	}
	if IsValidEventType("sms.teleported") {
		t.Error("expected an unknown event type to be invalid")
	}
}
