package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Credit events
	EventCreditsGranted   EventType = "credits.granted"
	EventCreditsPurchased EventType = "credits.purchased"
	EventCreditsAdjusted  EventType = "credits.adjusted"

	// Trial events
	EventTrialStarted   EventType = "trial.started"
	EventTrialConverted EventType = "trial.converted"
	EventTrialCancelled EventType = "trial.cancelled"
	EventTrialExpired   EventType = "trial.expired"

	// Subscription events
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventCommitmentTracked     EventType = "commitment.tracked"
	EventCommitmentExpired     EventType = "commitment.expired"

	// Payment events
	EventPaymentFailed   EventType = "payment.failed"
	EventRefundProcessed EventType = "refund.processed"
	EventRefundFailed    EventType = "refund.failed"

	// Webhook events
	EventWebhookFailed EventType = "webhook.failed"

	// Enterprise pool events
	EventPoolLoaded  EventType = "enterprise.pool_loaded"
	EventPoolNegated EventType = "enterprise.pool_negated"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// AccountID is the credit account this event belongs to (empty for system events)
	AccountID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, accountID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}
