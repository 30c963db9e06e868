package billing

import (
	"fmt"
	"time"
)

// OutcomeKind classifies what applying an event did to a record.
type OutcomeKind string

const (
	// OutcomeApplied means the record changed.
	OutcomeApplied OutcomeKind = "applied"
	// OutcomeConflict means the event proposed a change the current state
	// does not permit. The record is unchanged but the event is still marked
	// applied so it is not retried.
	OutcomeConflict OutcomeKind = "conflict"
	// OutcomeStale means a newer provider-side change was already applied.
	OutcomeStale OutcomeKind = "stale"
	// OutcomeNoop means the event was valid but changed nothing.
	OutcomeNoop OutcomeKind = "noop"
)

// DunningStage classifies a failed payment attempt for notifications.
type DunningStage string

const (
	DunningNone          DunningStage = ""
	DunningInformational DunningStage = "informational"
	DunningUrgent        DunningStage = "urgent"
	DunningFinal         DunningStage = "final"
)

// DunningStageFor maps a provider attempt count onto a stage: the first
// failure is informational, the second and third are urgent and the fourth or
// later warns that access will be revoked on deletion.
func DunningStageFor(attempt int) DunningStage {
	switch {
	case attempt <= 0:
		return DunningNone
	case attempt == 1:
		return DunningInformational
	case attempt < 4:
		return DunningUrgent
	default:
		return DunningFinal
	}
}

// Outcome is the result of applying one event to one record.
type Outcome struct {
	Kind OutcomeKind
	// Next is the record to commit. It is always non-nil and always carries
	// the event id as its watermark, including for conflict, stale and noop
	// outcomes.
	Next *SubscriptionRecord
	// Create is true when no record existed before this event.
	Create bool
	// Delta is the group membership change, or nil when tiers are unchanged.
	Delta *GroupDelta
	// Reason explains conflict and stale outcomes.
	Reason string
	// Dunning is set for failed payments.
	Dunning DunningStage
}

// Engine computes subscription transitions. It performs no I/O and is safe
// for concurrent use.
type Engine struct {
	plans *PlanTable
}

// NewEngine creates an Engine resolving prices against the given plan table.
// A nil table uses DefaultPlanTable.
func NewEngine(plans *PlanTable) *Engine {
	if plans == nil {
		plans = DefaultPlanTable()
	}
	return &Engine{plans: plans}
}

// Plans returns the engine's plan table.
func (e *Engine) Plans() *PlanTable { return e.plans }

// Apply computes the next record for an event against the current record,
// which is nil when the tenant has none yet. The current record is never
// mutated.
func (e *Engine) Apply(current *SubscriptionRecord, ev *Event, tenantID string, now time.Time) (*Outcome, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	now = now.UTC()

	if current == nil {
		if ev.Type != EventSubscriptionCreated {
			return nil, fmt.Errorf("%w: %s for tenant %s", ErrNoSubscription, ev.Type, tenantID)
		}
		return e.create(tenantID, ev, now)
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return e.applySubscription(current, ev, now)
	case EventSubscriptionDeleted:
		return e.applyDeleted(current, ev, now), nil
	case EventPaymentSucceeded:
		return e.applyPaymentSucceeded(current, ev, now)
	case EventPaymentFailed:
		return e.applyPaymentFailed(current, ev, now)
	case EventPeriodEnded:
		return e.applyPeriodEnded(current, ev, now), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type)
	}
}

func (e *Engine) create(tenantID string, ev *Event, now time.Time) (*Outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: %s without subscription object", ErrMalformedEvent, ev.Type)
	}
	status, plan, err := e.resolve(p)
	if err != nil {
		return nil, err
	}
	next := &SubscriptionRecord{
		TenantID:   tenantID,
		CustomerID: ev.CustomerID,
		CreatedAt:  now,
	}
	fillFromSubscription(next, p, status, plan, now)
	stamp(next, ev, now, true)
	return &Outcome{
		Kind:   OutcomeApplied,
		Next:   next,
		Create: true,
		Delta:  groupDelta(nil, next),
	}, nil
}

func (e *Engine) applySubscription(cur *SubscriptionRecord, ev *Event, now time.Time) (*Outcome, error) {
	p := ev.Subscription
	if p == nil {
		return nil, fmt.Errorf("%w: %s without subscription object", ErrMalformedEvent, ev.Type)
	}
	status, plan, err := e.resolve(p)
	if err != nil {
		return nil, err
	}

	// A created event for a different provider subscription on a finished
	// record starts a new lifecycle for the tenant.
	if ev.Type == EventSubscriptionCreated && p.ID != cur.SubscriptionID && restartable(cur.Status) {
		if !ev.Timestamp.IsZero() && ev.Timestamp.Before(cur.LastEventAt) {
			return unchanged(cur, ev, now, OutcomeStale, "created event older than last applied change"), nil
		}
		next := cur.Clone()
		resetLifecycle(next)
		fillFromSubscription(next, p, status, plan, now)
		stamp(next, ev, now, true)
		return &Outcome{Kind: OutcomeApplied, Next: next, Delta: groupDelta(cur, next)}, nil
	}

	if cur.SubscriptionID != "" && p.ID != cur.SubscriptionID {
		return unchanged(cur, ev, now, OutcomeConflict,
			fmt.Sprintf("event for subscription %s, record tracks %s", p.ID, cur.SubscriptionID)), nil
	}
	if cur.Status == StatusDeleted {
		return unchanged(cur, ev, now, OutcomeConflict, "subscription already deleted"), nil
	}
	if !ev.Timestamp.IsZero() && ev.Timestamp.Before(cur.LastEventAt) {
		return unchanged(cur, ev, now, OutcomeStale, "newer subscription change already applied"), nil
	}
	if !CanTransition(cur.Status, status) {
		return unchanged(cur, ev, now, OutcomeConflict,
			fmt.Sprintf("transition %s -> %s not permitted", cur.Status, status)), nil
	}

	next := cur.Clone()
	fillFromSubscription(next, p, status, plan, now)
	stamp(next, ev, now, true)
	return finish(cur, next, ev, now), nil
}

func (e *Engine) applyDeleted(cur *SubscriptionRecord, ev *Event, now time.Time) *Outcome {
	if cur.Status == StatusDeleted {
		return unchanged(cur, ev, now, OutcomeNoop, "")
	}
	if ev.SubjectID != "" && cur.SubscriptionID != "" && ev.SubjectID != cur.SubscriptionID {
		return unchanged(cur, ev, now, OutcomeConflict,
			fmt.Sprintf("deletion of subscription %s, record tracks %s", ev.SubjectID, cur.SubscriptionID))
	}

	next := cur.Clone()
	next.Status = StatusDeleted
	next.DeletedAt = &now
	next.PlanID = nil
	next.CancelAtPeriodEnd = false
	next.AccessEndsAt = nil
	if next.CanceledAt == nil {
		canceled := now
		if ev.Subscription != nil && ev.Subscription.CanceledAt != nil {
			canceled = *ev.Subscription.CanceledAt
		}
		next.CanceledAt = &canceled
	}
	stamp(next, ev, now, true)

	out := &Outcome{Kind: OutcomeApplied, Next: next}
	if !IsFree(cur.PlanID) {
		out.Delta = &GroupDelta{From: cloneString(cur.PlanID), To: nil}
	}
	return out
}

func (e *Engine) applyPaymentSucceeded(cur *SubscriptionRecord, ev *Event, now time.Time) (*Outcome, error) {
	in := ev.Invoice
	if in == nil {
		return nil, fmt.Errorf("%w: %s without invoice object", ErrMalformedEvent, ev.Type)
	}
	if in.SubscriptionID != "" && cur.SubscriptionID != "" && in.SubscriptionID != cur.SubscriptionID {
		return unchanged(cur, ev, now, OutcomeConflict,
			fmt.Sprintf("invoice for subscription %s, record tracks %s", in.SubscriptionID, cur.SubscriptionID)), nil
	}
	if stalePayment(cur, ev) {
		return unchanged(cur, ev, now, OutcomeStale, "newer payment already recorded"), nil
	}

	next := cur.Clone()
	paid := ev.Timestamp
	if in.PaidAt != nil {
		paid = *in.PaidAt
	}
	if paid.IsZero() {
		paid = now
	}
	next.LastPaymentEventID = ev.ID
	next.LastPaymentAmount = in.AmountPaid
	next.LastPaymentDate = &paid
	next.PaymentAttemptCount = 0
	next.NextPaymentAttempt = nil
	if cur.Status == StatusPastDue {
		next.Status = StatusActive
	}
	stamp(next, ev, now, false)
	return finish(cur, next, ev, now), nil
}

func (e *Engine) applyPaymentFailed(cur *SubscriptionRecord, ev *Event, now time.Time) (*Outcome, error) {
	in := ev.Invoice
	if in == nil {
		return nil, fmt.Errorf("%w: %s without invoice object", ErrMalformedEvent, ev.Type)
	}
	if in.SubscriptionID != "" && cur.SubscriptionID != "" && in.SubscriptionID != cur.SubscriptionID {
		return unchanged(cur, ev, now, OutcomeConflict,
			fmt.Sprintf("invoice for subscription %s, record tracks %s", in.SubscriptionID, cur.SubscriptionID)), nil
	}
	switch cur.Status {
	case StatusActive, StatusPastDue, StatusTrialing:
	default:
		return unchanged(cur, ev, now, OutcomeConflict,
			fmt.Sprintf("payment failure for %s subscription", cur.Status)), nil
	}
	if stalePayment(cur, ev) || (in.AttemptCount > 0 && in.AttemptCount < cur.PaymentAttemptCount) {
		return unchanged(cur, ev, now, OutcomeStale, "later payment attempt already recorded"), nil
	}

	next := cur.Clone()
	next.Status = StatusPastDue
	next.PaymentAttemptCount = in.AttemptCount
	next.NextPaymentAttempt = cloneTime(in.NextPaymentAttempt)
	next.LastPaymentEventID = ev.ID
	stamp(next, ev, now, false)

	out := finish(cur, next, ev, now)
	// Access is kept through the dunning window.
	out.Delta = nil
	out.Dunning = DunningStageFor(in.AttemptCount)
	return out, nil
}

func (e *Engine) applyPeriodEnded(cur *SubscriptionRecord, ev *Event, now time.Time) *Outcome {
	if !HoldsPlanAccess(cur.Status) || !cur.CancelAtPeriodEnd || cur.AccessEndsAt == nil || now.Before(*cur.AccessEndsAt) {
		return unchanged(cur, ev, now, OutcomeNoop, "")
	}
	next := cur.Clone()
	next.Status = StatusCancelled
	next.PlanID = nil
	next.AccessEndsAt = nil
	if next.CanceledAt == nil {
		next.CanceledAt = &now
	}
	// Synthetic events carry no provider timestamp to order against.
	stamp(next, ev, now, false)
	return finish(cur, next, ev, now)
}

// resolve validates the payload status and maps its price onto a plan.
func (e *Engine) resolve(p *SubscriptionPayload) (Status, *string, error) {
	status, ok := ParseStatus(p.Status)
	if !ok || status == StatusDeleted {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownStatus, p.Status)
	}
	if p.PlanID != "" {
		if plan := e.plans.ByID(p.PlanID); plan != nil {
			return status, planRef(plan), nil
		}
	}
	if p.PriceID == "" {
		return status, nil, nil
	}
	plan := e.plans.ByPriceID(p.PriceID)
	if plan == nil {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownPrice, p.PriceID)
	}
	return status, planRef(plan), nil
}

func planRef(p *Plan) *string {
	if p.ID == PlanFreeID {
		return nil
	}
	return StringPtr(p.ID)
}

func fillFromSubscription(next *SubscriptionRecord, p *SubscriptionPayload, status Status, plan *string, now time.Time) {
	wasPending := next.CancelAtPeriodEnd
	next.SubscriptionID = p.ID
	next.Status = status
	next.PlanID = plan
	if !p.CurrentPeriodStart.IsZero() {
		next.CurrentPeriodStart = p.CurrentPeriodStart
	}
	if !p.CurrentPeriodEnd.IsZero() {
		next.CurrentPeriodEnd = p.CurrentPeriodEnd
	}
	next.CancelAtPeriodEnd = p.CancelAtPeriodEnd

	switch {
	case status == StatusCancelled:
		// Cancellation is no longer pending; the plan is gone.
		next.PlanID = nil
		next.CancelAtPeriodEnd = false
		next.AccessEndsAt = nil
		if next.CanceledAt == nil {
			canceled := now
			if p.CanceledAt != nil {
				canceled = *p.CanceledAt
			}
			next.CanceledAt = &canceled
		}
	case p.CancelAtPeriodEnd:
		if !wasPending || next.CanceledAt == nil {
			canceled := now
			if p.CanceledAt != nil {
				canceled = *p.CanceledAt
			}
			next.CanceledAt = &canceled
		}
		ends := next.CurrentPeriodEnd
		if p.CancelAt != nil {
			ends = *p.CancelAt
		}
		next.AccessEndsAt = &ends
	default:
		next.CanceledAt = nil
		next.AccessEndsAt = nil
	}
}

// stamp sets the watermark. Provider subscription events also advance the
// ordering timestamp.
func stamp(next *SubscriptionRecord, ev *Event, now time.Time, ordered bool) {
	next.LastEventID = ev.ID
	next.UpdatedAt = now
	if ordered && ev.Timestamp.After(next.LastEventAt) {
		next.LastEventAt = ev.Timestamp
	}
}

// unchanged returns an outcome that only moves the watermark.
func unchanged(cur *SubscriptionRecord, ev *Event, now time.Time, kind OutcomeKind, reason string) *Outcome {
	next := cur.Clone()
	next.LastEventID = ev.ID
	next.UpdatedAt = now
	return &Outcome{Kind: kind, Next: next, Reason: reason}
}

func finish(cur, next *SubscriptionRecord, ev *Event, now time.Time) *Outcome {
	if !materiallyChanged(cur, next) {
		return unchanged(cur, ev, now, OutcomeNoop, "")
	}
	return &Outcome{Kind: OutcomeApplied, Next: next, Delta: groupDelta(cur, next)}
}

func restartable(s Status) bool {
	return s == StatusDeleted || s == StatusCancelled || s == StatusIncompleteExpired
}

func resetLifecycle(r *SubscriptionRecord) {
	r.CancelAtPeriodEnd = false
	r.CanceledAt = nil
	r.AccessEndsAt = nil
	r.DeletedAt = nil
	r.PaymentAttemptCount = 0
	r.NextPaymentAttempt = nil
}

func stalePayment(cur *SubscriptionRecord, ev *Event) bool {
	return !ev.Timestamp.IsZero() && cur.LastPaymentDate != nil && ev.Timestamp.Before(*cur.LastPaymentDate)
}

// groupDelta derives the membership change between two records. Only
// trialing, active and past_due hold plan membership. Entering active always
// re-grants the plan, which restores access after dunning.
func groupDelta(cur, next *SubscriptionRecord) *GroupDelta {
	var from, to *string
	if cur != nil && HoldsPlanAccess(cur.Status) && !IsFree(cur.PlanID) {
		from = cloneString(cur.PlanID)
	}
	if HoldsPlanAccess(next.Status) && !IsFree(next.PlanID) {
		to = cloneString(next.PlanID)
	}

	enteringActive := next.Status == StatusActive && (cur == nil || cur.Status != StatusActive)
	if enteringActive && to != nil {
		if samePlan(from, to) {
			from = nil
		}
		return &GroupDelta{From: from, To: to}
	}
	if samePlan(from, to) {
		return nil
	}
	return &GroupDelta{From: from, To: to}
}

func materiallyChanged(a, b *SubscriptionRecord) bool {
	return a.Status != b.Status ||
		!samePlan(a.PlanID, b.PlanID) ||
		a.SubscriptionID != b.SubscriptionID ||
		!a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		!equalTime(a.CanceledAt, b.CanceledAt) ||
		!equalTime(a.AccessEndsAt, b.AccessEndsAt) ||
		!equalTime(a.DeletedAt, b.DeletedAt) ||
		a.LastPaymentEventID != b.LastPaymentEventID ||
		a.PaymentAttemptCount != b.PaymentAttemptCount ||
		!equalTime(a.NextPaymentAttempt, b.NextPaymentAttempt) ||
		!a.LastEventAt.Equal(b.LastEventAt)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
