package billing

import "time"

// Status is the lifecycle state of a tenant subscription.
type Status string

// Subscription statuses. StatusDeleted is a soft-delete marker; records are
// never physically removed.
const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusCancelled         Status = "cancelled"
	StatusDeleted           Status = "deleted"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusIncomplete,
	StatusIncompleteExpired,
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusUnpaid,
	StatusCancelled,
	StatusDeleted,
}

// ParseStatus maps a provider status string onto a Status. The provider
// spells "canceled" with one l; both spellings are accepted.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "canceled":
		return StatusCancelled, true
	case "paused":
		// A paused subscription collects no payment and grants no access.
		return StatusUnpaid, true
	}
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// HoldsPlanAccess reports whether users of a tenant in this status are
// members of the plan's group. Trials grant the plan and past_due keeps it
// through the dunning window.
func HoldsPlanAccess(s Status) bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// SubscriptionRecord is the authoritative subscription state of one tenant.
type SubscriptionRecord struct {
	TenantID           string     `json:"tenant_id"`
	CustomerID         string     `json:"customer_id"`
	SubscriptionID     string     `json:"subscription_id"`
	Status             Status     `json:"status"`
	PlanID             *string    `json:"plan_id"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	AccessEndsAt       *time.Time `json:"access_ends_at,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`

	// LastEventID is the idempotency watermark and the CAS token for updates.
	LastEventID string `json:"last_event_id"`
	// LastEventAt is the provider timestamp of the newest applied
	// subscription event; older subscription events are rejected as stale.
	LastEventAt time.Time `json:"last_event_at"`

	LastPaymentEventID  string     `json:"last_payment_event_id,omitempty"`
	LastPaymentAmount   int64      `json:"last_payment_amount,omitempty"`
	LastPaymentDate     *time.Time `json:"last_payment_date,omitempty"`
	PaymentAttemptCount int        `json:"payment_attempt_count"`
	NextPaymentAttempt  *time.Time `json:"next_payment_attempt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without aliasing the
// stored record.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PlanID = cloneString(r.PlanID)
	cp.CanceledAt = cloneTime(r.CanceledAt)
	cp.AccessEndsAt = cloneTime(r.AccessEndsAt)
	cp.DeletedAt = cloneTime(r.DeletedAt)
	cp.LastPaymentDate = cloneTime(r.LastPaymentDate)
	cp.NextPaymentAttempt = cloneTime(r.NextPaymentAttempt)
	return &cp
}

// GroupUpdateAuditRecord is appended, in the same transaction as the record
// update, for every committed transition that changed the tenant's tier.
type GroupUpdateAuditRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	EventID     string    `json:"event_id"`
	EventType   EventType `json:"event_type"`
	FromPlan    *string   `json:"from_plan"`
	ToPlan      *string   `json:"to_plan"`
	UserCount   int       `json:"user_count"`
	ProcessedAt time.Time `json:"processed_at"`
}

// GroupDelta describes which tier group a tenant's users move from and to.
// A nil plan is the free tier.
type GroupDelta struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// PlanString renders a possibly-nil plan id for logs.
func PlanString(p *string) string {
	if p == nil {
		return "none"
	}
	return *p
}

func samePlan(a, b *string) bool {
	if IsFree(a) || IsFree(b) {
		return IsFree(a) && IsFree(b)
	}
	return *a == *b
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
