// Package types defines the core data model shared across hookwire:
// subscriptions, logged events, and the queued-delivery buffer.
package types

import "time"

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive SubscriptionStatus = "active"
	StatusPaused SubscriptionStatus = "paused"
)

// ValidStatus reports whether s is one of the enumerated statuses.
func ValidStatus(s SubscriptionStatus) bool {
	return s == StatusActive || s == StatusPaused
}

// DefaultSignatureHeader is the HTTP header checked for an HMAC signature
// when a subscription does not name one (GitHub's convention).
const DefaultSignatureHeader = "X-Hub-Signature-256"

// Subscription binds an external webhook source to a local agent session.
type Subscription struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"session_id"`
	WebhookURL      string             `json:"webhook_url"`
	Secret          string             `json:"secret,omitempty"`
	SignatureHeader string             `json:"signature_header,omitempty"`
	DisplayName     string             `json:"display_name,omitempty"`
	ServiceTag      string             `json:"service_tag,omitempty"`
	Prompt          string             `json:"prompt,omitempty"`
	GateExpr        string             `json:"gate_expr,omitempty"`
	SummaryExpr     string             `json:"summary_expr,omitempty"`
	OneShot         bool               `json:"one_shot"`
	Status          SubscriptionStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	EventCount      int64              `json:"event_count"`
}

// SigHeader returns the subscription's signature header, or the default
// when none is configured.
func (s *Subscription) SigHeader() string {
	if s.SignatureHeader != "" {
		return s.SignatureHeader
	}
	return DefaultSignatureHeader
}

// VerificationResult records the outcome of the signature check on an event.
type VerificationResult string

const (
	VerificationAccepted VerificationResult = "accepted"
	VerificationRejected VerificationResult = "rejected"
)

// Event is one row of the webhook audit log.
type Event struct {
	ID             string             `json:"id"`
	SubscriptionID string             `json:"subscription_id"`
	ReceivedAt     time.Time          `json:"received_at"`
	Payload        string             `json:"payload"`
	Verification   VerificationResult `json:"verification_result"`
	Injected       bool               `json:"injected"`
}

// QueuedEvent is a framed message awaiting redelivery to a session that was
// offline at delivery time. SessionID is captured at enqueue time so later
// subscription edits do not redirect an in-flight delivery.
type QueuedEvent struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	SessionID      string    `json:"session_id"`
	FramedPayload  string    `json:"framed_payload"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
