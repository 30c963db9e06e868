package billing

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// EventType is the canonical lifecycle event type, independent of the
// payment provider's naming.
type EventType string

// Canonical event types.
const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentSucceeded    EventType = "invoice.payment_succeeded"
	EventPaymentFailed       EventType = "invoice.payment_failed"

	// EventPeriodEnded is produced by the period-end sweeper, never by the
	// provider. It downgrades a subscription whose pending cancellation has
	// reached its access end date.
	EventPeriodEnded EventType = "subscription.period_ended"
)

// IsSubscriptionEvent reports whether the type carries a subscription object.
func (t EventType) IsSubscriptionEvent() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// IsPaymentEvent reports whether the type carries an invoice object.
func (t EventType) IsPaymentEvent() bool {
	return t == EventPaymentSucceeded || t == EventPaymentFailed
}

// Sentinel errors returned by normalization and the engine.
var (
	ErrUnsupportedEvent = errors.New("billing: unsupported event type")
	ErrMalformedEvent   = errors.New("billing: malformed event")
	ErrUnknownPrice     = errors.New("billing: unknown price")
	ErrUnknownStatus    = errors.New("billing: unknown subscription status")
	ErrNoSubscription   = errors.New("billing: no subscription record")
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrStaleTimestamp   = errors.New("billing: webhook timestamp outside tolerance")
)

// Event is a provider lifecycle event mapped into canonical form.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	CustomerID string    `json:"customer_id"`
	// SubjectID is the provider subscription id the event is about. For
	// invoice events it is the invoice's subscription.
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`

	Subscription *SubscriptionPayload `json:"subscription,omitempty"`
	Invoice      *InvoicePayload      `json:"invoice,omitempty"`

	// Raw is the provider envelope the event was normalized from.
	Raw json.RawMessage `json:"-"`
}

// SubscriptionPayload is the subset of a provider subscription object the
// engine consumes.
type SubscriptionPayload struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	PriceID            string     `json:"price_id,omitempty"`
	PlanID             string     `json:"plan_id,omitempty"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CancelAt           *time.Time `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
}

// InvoicePayload is the subset of a provider invoice object the engine
// consumes.
type InvoicePayload struct {
	ID                 string     `json:"id"`
	SubscriptionID     string     `json:"subscription_id"`
	AmountPaid         int64      `json:"amount_paid"`
	AmountDue          int64      `json:"amount_due"`
	Currency           string     `json:"currency,omitempty"`
	AttemptCount       int        `json:"attempt_count"`
	NextPaymentAttempt *time.Time `json:"next_payment_attempt,omitempty"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
}

// PeriodEndedEventID returns the deterministic id of the synthetic period-end
// event for a tenant's pending cancellation. Repeated sweeps of the same
// cancellation yield the same id and so are deduplicated by the store.
func PeriodEndedEventID(tenantID string, accessEndsAt time.Time) string {
	return "period_end:" + tenantID + ":" + strconv.FormatInt(accessEndsAt.Unix(), 10)
}

// NewPeriodEndedEvent builds the synthetic event the sweeper feeds through
// the processor.
func NewPeriodEndedEvent(tenantID, customerID, subscriptionID string, accessEndsAt time.Time) *Event {
	return &Event{
		ID:         PeriodEndedEventID(tenantID, accessEndsAt),
		Type:       EventPeriodEnded,
		CustomerID: customerID,
		SubjectID:  subscriptionID,
		Timestamp:  accessEndsAt,
	}
}
