// Package lifecycle turns canonical billing events into committed
// per-tenant subscription state and drives the best-effort side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/groups"
	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
	"github.com/GoCodeAlone/subscription-lifecycle/notify"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

const tracerName = "github.com/GoCodeAlone/subscription-lifecycle/lifecycle"

// DefaultMaxCommitAttempts bounds the re-read and recompute loop when
// distinct events for one tenant race.
const DefaultMaxCommitAttempts = 5

// Result describes what processing one event did.
type Result struct {
	EventID   string              `json:"event_id"`
	EventType billing.EventType   `json:"event_type"`
	TenantID  string              `json:"tenant_id,omitempty"`
	Outcome   billing.OutcomeKind `json:"outcome,omitempty"`
	// Duplicate is set when the event id had already been applied.
	Duplicate bool `json:"duplicate,omitempty"`
	// Ignored is set for event types the processor does not handle.
	Ignored    bool                `json:"ignored,omitempty"`
	GroupDelta *billing.GroupDelta `json:"group_delta,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	// CommitAttempts counts commit calls including conflicts.
	CommitAttempts int            `json:"commit_attempts"`
	Sync           *groups.Result `json:"sync,omitempty"`
}

// Status is a short label for logs and HTTP responses.
func (r Result) Status() string {
	switch {
	case r.Ignored:
		return "ignored"
	case r.Duplicate:
		return "duplicate"
	default:
		return string(r.Outcome)
	}
}

// Processor runs the event path: resolve the tenant, read the record,
// compute the transition, commit, then synchronize groups and notify.
// Processor is safe for concurrent use.
type Processor struct {
	resolver  TenantResolver
	directory store.TenantDirectory
	engine    *billing.Engine
	groups    *groups.Synchronizer
	notifier  *notify.Notifier
	metrics   *metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer

	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// Option configures a Processor.
type Option func(*Processor)

// WithResolver sets the tenant resolver. The default resolves from the
// directory.
func WithResolver(r TenantResolver) Option {
	return func(p *Processor) { p.resolver = r }
}

// WithGroups sets the group synchronizer.
func WithGroups(s *groups.Synchronizer) Option {
	return func(p *Processor) { p.groups = s }
}

// WithNotifier sets the notifier.
func WithNotifier(n *notify.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// WithMaxCommitAttempts bounds the commit retry loop.
func WithMaxCommitAttempts(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor. A nil engine uses the default plan table.
func NewProcessor(directory store.TenantDirectory, engine *billing.Engine, opts ...Option) *Processor {
	if engine == nil {
		engine = billing.NewEngine(nil)
	}
	p := &Processor{
		directory:   directory,
		engine:      engine,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxCommitAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.resolver == nil {
		p.resolver = DirectoryResolver{Directory: directory}
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	p.logger = p.logger.With("component", "lifecycle")
	return p
}

// HandleEnvelope normalizes a provider envelope and processes it. Unsupported
// event types are acknowledged as ignored.
func (p *Processor) HandleEnvelope(ctx context.Context, raw []byte) (Result, error) {
	ev, err := billing.Normalize(raw)
	if errors.Is(err, billing.ErrUnsupportedEvent) {
		p.logger.Debug("ignoring unsupported event", "error", err)
		return Result{Ignored: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return p.Process(ctx, ev)
}

// Process applies one canonical event. The returned error is classified by
// IsRetryable and IsPermanent; conflicts, stale events and duplicates are
// successful results.
func (p *Processor) Process(ctx context.Context, ev *billing.Event) (res Result, err error) {
	start := p.now()
	if ev == nil {
		return Result{}, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	res = Result{EventID: ev.ID, EventType: ev.Type}

	ctx, span := p.tracer.Start(ctx, "lifecycle.Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("billing.event_id", ev.ID),
			attribute.String("billing.event_type", string(ev.Type)),
			attribute.String("billing.customer_id", ev.CustomerID),
		),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("billing.tenant_id", res.TenantID),
			attribute.String("billing.outcome", res.Status()),
			attribute.Int("billing.commit_attempts", res.CommitAttempts),
		)
		outcome := res.Status()
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.RecordEvent(string(ev.Type), outcome, p.now().Sub(start))
	}()

	if ev.ID == "" {
		return res, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if !ev.Type.IsSubscriptionEvent() && !ev.Type.IsPaymentEvent() && ev.Type != billing.EventPeriodEnded {
		res.Ignored = true
		return res, nil
	}
	if ev.Type.IsSubscriptionEvent() && ev.SubjectID == "" {
		return res, fmt.Errorf("%w: missing subject id", ErrMalformedEvent)
	}

	tenantID, err := resolveTenant(ctx, p.resolver, ev.CustomerID)
	if err != nil {
		p.logger.Warn("tenant resolution failed",
			"event_id", ev.ID, "event_type", ev.Type, "customer_id", ev.CustomerID, "error", err)
		return res, err
	}
	res.TenantID = tenantID

	committed, prev, users, err := p.commit(ctx, ev, tenantID, &res)
	if err != nil {
		p.logger.Error("event processing failed",
			"event_id", ev.ID, "event_type", ev.Type, "tenant_id", tenantID,
			"commit_attempts", res.CommitAttempts, "error", err)
		return res, err
	}
	if res.Ignored || res.Duplicate {
		p.logger.Info("event skipped",
			"event_id", ev.ID, "event_type", ev.Type, "tenant_id", tenantID, "outcome", res.Status())
		return res, nil
	}

	switch res.Outcome {
	case billing.OutcomeConflict, billing.OutcomeStale:
		p.logger.Warn("event not applied",
			"event_id", ev.ID, "event_type", ev.Type, "tenant_id", tenantID,
			"outcome", res.Outcome, "reason", res.Reason)
	default:
		p.logger.Info("event processed",
			"event_id", ev.ID, "event_type", ev.Type, "tenant_id", tenantID,
			"outcome", res.Outcome, "status", committed.Next.Status,
			"plan_id", billing.PlanString(committed.Next.PlanID))
	}

	if committed.Kind == billing.OutcomeApplied {
		p.afterCommit(ctx, ev, tenantID, prev, committed, users, &res)
	}
	return res, nil
}

// commit runs the fresh-read, compute, compare-and-swap loop. It returns the
// committed outcome, the record it was computed against and the tenant's
// users when a group change was committed.
func (p *Processor) commit(ctx context.Context, ev *billing.Event, tenantID string, res *Result) (*billing.Outcome, *billing.SubscriptionRecord, []string, error) {
	var users []string
	listed := false

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		current, err := p.directory.GetSubscription(ctx, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			current, err = nil, nil
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: read subscription: %w", ErrCommitFailed, err)
		}
		if current != nil && current.LastEventID == ev.ID {
			res.Duplicate = true
			return nil, current, nil, nil
		}

		out, err := p.engine.Apply(current, ev, tenantID, p.now())
		switch {
		case errors.Is(err, billing.ErrUnsupportedEvent):
			res.Ignored = true
			return nil, current, nil, nil
		case errors.Is(err, billing.ErrNoSubscription):
			return nil, nil, nil, fmt.Errorf("%w: %w", ErrSubscriptionMissing, err)
		case err != nil:
			return nil, nil, nil, err
		}

		req := store.CommitRequest{
			TenantID: tenantID,
			EventID:  ev.ID,
			Create:   out.Create,
			Record:   out.Next,
		}
		if current != nil {
			req.ExpectedEventID = current.LastEventID
		}
		if out.Kind == billing.OutcomeApplied && out.Delta != nil && p.groups != nil && p.groups.Changes(*out.Delta) {
			if !listed {
				// Listed once, outside the commit, so the audit carries the
				// user count that the sync will touch.
				users, err = p.groups.Users(ctx, tenantID)
				if err != nil {
					p.logger.Warn("user listing failed before commit",
						"tenant_id", tenantID, "event_id", ev.ID, "error", err)
					users = nil
				}
				listed = true
			}
		}
		if out.Kind == billing.OutcomeApplied && out.Delta != nil {
			req.Audit = &billing.GroupUpdateAuditRecord{
				ID:          p.newID(),
				TenantID:    tenantID,
				EventID:     ev.ID,
				EventType:   ev.Type,
				FromPlan:    out.Delta.From,
				ToPlan:      out.Delta.To,
				UserCount:   len(users),
				ProcessedAt: out.Next.UpdatedAt,
			}
		}

		res.CommitAttempts = attempt
		result, err := p.directory.CommitSubscription(ctx, req)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("%w: record vanished for tenant %s", ErrSubscriptionMissing, tenantID)
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}

		switch result {
		case store.CommitApplied:
			res.Outcome = out.Kind
			res.Reason = out.Reason
			res.GroupDelta = out.Delta
			return out, current, users, nil
		case store.CommitAlreadyApplied:
			res.Duplicate = true
			return nil, current, nil, nil
		case store.CommitConflict:
			p.logger.Debug("commit conflict, recomputing",
				"event_id", ev.ID, "tenant_id", tenantID, "attempt", attempt)
			continue
		default:
			return nil, nil, nil, fmt.Errorf("%w: unexpected commit result %q", ErrCommitFailed, result)
		}
	}
	return nil, nil, nil, fmt.Errorf("%w: %d conflicting commits for tenant %s", ErrCommitFailed, p.maxAttempts, tenantID)
}

// afterCommit performs the best-effort side effects. Nothing here can fail
// the event.
func (p *Processor) afterCommit(ctx context.Context, ev *billing.Event, tenantID string, prev *billing.SubscriptionRecord, out *billing.Outcome, users []string, res *Result) {
	next := out.Next

	if out.Delta != nil && p.groups != nil && p.groups.Changes(*out.Delta) {
		var sr groups.Result
		if users != nil {
			sr = p.groups.SyncUsers(ctx, tenantID, users, *out.Delta)
		} else {
			var err error
			sr, err = p.groups.Sync(ctx, tenantID, *out.Delta)
			if err != nil {
				p.logger.Error("group sync failed",
					"tenant_id", tenantID, "event_id", ev.ID,
					"from", billing.PlanString(out.Delta.From), "to", billing.PlanString(out.Delta.To),
					"error", err)
			}
		}
		res.Sync = &sr
	}

	if p.notifier == nil {
		return
	}
	switch ev.Type {
	case billing.EventPaymentSucceeded:
		data := map[string]any{
			"plan_id":  billing.PlanString(next.PlanID),
			"amount":   next.LastPaymentAmount,
			"restored": out.Delta != nil,
		}
		_ = p.notifier.Publish(ctx, notify.Notification{TenantID: tenantID, Type: notify.TypePaymentSucceeded, Data: data})
	case billing.EventPaymentFailed:
		data := map[string]any{
			"attempt":       next.PaymentAttemptCount,
			"dunning_stage": string(out.Dunning),
		}
		if next.NextPaymentAttempt != nil {
			data["next_payment_attempt"] = next.NextPaymentAttempt.UTC()
		}
		_ = p.notifier.Publish(ctx, notify.Notification{TenantID: tenantID, Type: notify.TypePaymentFailed, Data: data})
	}

	var from billing.Status
	var fromPlan *string
	if prev != nil {
		from = prev.Status
		fromPlan = prev.PlanID
	}
	if from != next.Status || !samePlanID(fromPlan, next.PlanID) {
		_ = p.notifier.Publish(ctx, notify.Notification{
			TenantID: tenantID,
			Type:     notify.TypeStateChanged,
			Data: map[string]any{
				"event_id":    ev.ID,
				"from_status": string(from),
				"to_status":   string(next.Status),
				"from_plan":   billing.PlanString(fromPlan),
				"to_plan":     billing.PlanString(next.PlanID),
			},
		})
	}
}

func samePlanID(a, b *string) bool {
	return billing.PlanString(a) == billing.PlanString(b)
}
