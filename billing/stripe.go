package billing

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// providerEventTypes maps Stripe event type names onto canonical types. Both
// the full customer.subscription.* names and the short forms used by event
// bus deliveries are accepted.
var providerEventTypes = map[string]EventType{
	string(stripe.EventTypeCustomerSubscriptionCreated): EventSubscriptionCreated,
	string(stripe.EventTypeCustomerSubscriptionUpdated): EventSubscriptionUpdated,
	string(stripe.EventTypeCustomerSubscriptionDeleted): EventSubscriptionDeleted,
	string(stripe.EventTypeInvoicePaymentSucceeded):     EventPaymentSucceeded,
	string(stripe.EventTypeInvoicePaid):                 EventPaymentSucceeded,
	string(stripe.EventTypeInvoicePaymentFailed):        EventPaymentFailed,

	string(EventSubscriptionCreated): EventSubscriptionCreated,
	string(EventSubscriptionUpdated): EventSubscriptionUpdated,
	string(EventSubscriptionDeleted): EventSubscriptionDeleted,
}

// CanonicalType maps a provider event type name. ok is false for types the
// processor does not handle.
func CanonicalType(providerType string) (EventType, bool) {
	t, ok := providerEventTypes[providerType]
	return t, ok
}

// envelope is the provider event wrapper: {id, type, created, data: {object}}.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandable decodes a Stripe field that is either an id string or an
// expanded object carrying an id.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CancelAt           int64             `json:"cancel_at"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID                 string     `json:"id"`
	Customer           expandable `json:"customer"`
	Subscription       expandable `json:"subscription"`
	AmountPaid         int64      `json:"amount_paid"`
	AmountDue          int64      `json:"amount_due"`
	Currency           string     `json:"currency"`
	AttemptCount       int        `json:"attempt_count"`
	NextPaymentAttempt int64      `json:"next_payment_attempt"`
	StatusTransitions  struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// Normalize decodes a raw provider envelope into a canonical event. It does
// not authenticate the payload; the webhook path verifies it first.
func Normalize(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformedEvent, err)
	}
	ev, err := normalize(env.ID, env.Type, env.Created, env.Data.Object)
	if err != nil {
		return nil, err
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

// NormalizeStripeEvent maps an already verified Stripe event.
func NormalizeStripeEvent(evt stripe.Event, raw []byte) (*Event, error) {
	var object json.RawMessage
	if evt.Data != nil {
		object = evt.Data.Raw
	}
	ev, err := normalize(evt.ID, string(evt.Type), evt.Created, object)
	if err != nil {
		return nil, err
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

func normalize(id, providerType string, created int64, object json.RawMessage) (*Event, error) {
	typ, ok := CanonicalType(providerType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, providerType)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if len(object) == 0 || string(object) == "null" {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}

	ev := &Event{ID: id, Type: typ, Timestamp: unixTime(created)}
	if typ.IsSubscriptionEvent() {
		var s stripeSubscription
		if err := json.Unmarshal(object, &s); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		ev.CustomerID = string(s.Customer)
		ev.SubjectID = s.ID
		ev.Subscription = subscriptionPayload(&s)
	} else {
		var in stripeInvoice
		if err := json.Unmarshal(object, &in); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
		}
		subID := string(in.Subscription)
		if subID == "" {
			subID = string(in.Parent.SubscriptionDetails.Subscription)
		}
		ev.CustomerID = string(in.Customer)
		ev.SubjectID = subID
		ev.Invoice = &InvoicePayload{
			ID:                 in.ID,
			SubscriptionID:     subID,
			AmountPaid:         in.AmountPaid,
			AmountDue:          in.AmountDue,
			Currency:           in.Currency,
			AttemptCount:       in.AttemptCount,
			NextPaymentAttempt: unixTimePtr(in.NextPaymentAttempt),
			PaidAt:             unixTimePtr(in.StatusTransitions.PaidAt),
		}
	}

	if ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", ErrMalformedEvent)
	}
	if ev.SubjectID == "" {
		return nil, fmt.Errorf("%w: missing subject id", ErrMalformedEvent)
	}
	if ev.Subscription != nil && ev.Subscription.Status == "" {
		return nil, fmt.Errorf("%w: missing subscription status", ErrMalformedEvent)
	}
	return ev, nil
}

func subscriptionPayload(s *stripeSubscription) *SubscriptionPayload {
	p := &SubscriptionPayload{
		ID:                s.ID,
		Status:            s.Status,
		PlanID:            s.Metadata["plan_id"],
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CancelAt:          unixTimePtr(s.CancelAt),
		CanceledAt:        unixTimePtr(s.CanceledAt),
	}
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		p.PriceID = item.Price.ID
		// Newer API versions carry the period on the item only.
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	p.CurrentPeriodStart = unixTime(start)
	p.CurrentPeriodEnd = unixTime(end)
	return p
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
