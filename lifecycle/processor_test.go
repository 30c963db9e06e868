package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/groups"
	"github.com/GoCodeAlone/subscription-lifecycle/notify"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedAt = t0.Add(time.Hour)
)

type harness struct {
	dir    *store.MemoryDirectory
	users  *groups.MemoryStore
	sink   *notify.MemorySink
	proc   *Processor
	tenant string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dir:    store.NewMemoryDirectory(),
		users:  groups.NewMemoryStore(),
		sink:   notify.NewMemorySink(),
		tenant: "T1",
	}
	if err := h.dir.PutTenant(context.Background(), &store.Tenant{ID: "T1", CustomerID: "C1"}); err != nil {
		t.Fatal(err)
	}
	h.users.AddUser("T1", "u1", "free-tier")
	h.users.AddUser("T1", "u2", "free-tier")

	notifier := notify.NewNotifier(nil, nil, h.sink)
	syncer := groups.NewSynchronizer(h.users, nil, groups.WithRefresher(notifier))
	base := []Option{
		WithGroups(syncer),
		WithNotifier(notifier),
		WithClock(func() time.Time { return fixedAt }),
	}
	h.proc = NewProcessor(h.dir, nil, append(base, opts...)...)
	return h
}

func subEvent(id string, typ billing.EventType, status, price string, at time.Time) *billing.Event {
	return &billing.Event{
		ID:         id,
		Type:       typ,
		CustomerID: "C1",
		SubjectID:  "sub_1",
		Timestamp:  at,
		Subscription: &billing.SubscriptionPayload{
			ID:                 "sub_1",
			Status:             status,
			PriceID:            price,
			CurrentPeriodStart: t0,
			CurrentPeriodEnd:   t0.AddDate(0, 1, 0),
		},
	}
}

func invoiceEvent(id string, typ billing.EventType, attempt int, at time.Time) *billing.Event {
	return &billing.Event{
		ID:         id,
		Type:       typ,
		CustomerID: "C1",
		SubjectID:  "sub_1",
		Timestamp:  at,
		Invoice: &billing.InvoicePayload{
			ID:             "in_" + id,
			SubscriptionID: "sub_1",
			AmountPaid:     1900,
			AttemptCount:   attempt,
		},
	}
}

func (h *harness) mustProcess(t *testing.T, ev *billing.Event) Result {
	t.Helper()
	res, err := h.proc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process(%s): %v", ev.ID, err)
	}
	return res
}

func (h *harness) record(t *testing.T) *billing.SubscriptionRecord {
	t.Helper()
	r, err := h.dir.GetSubscription(context.Background(), h.tenant)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	return r
}

func assertGroups(t *testing.T, users *groups.MemoryStore, want string) {
	t.Helper()
	for _, u := range []string{"u1", "u2"} {
		got := users.Groups(u)
		if len(got) != 1 || got[0] != want {
			t.Errorf("%s groups = %v, want [%s]", u, got, want)
		}
	}
}

func TestProcessCreationGrantsPlanGroup(t *testing.T) {
	h := newHarness(t)
	res := h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))

	if res.Outcome != billing.OutcomeApplied || res.TenantID != "T1" || res.CommitAttempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	r := h.record(t)
	if r.Status != billing.StatusActive || billing.PlanString(r.PlanID) != "creator" || r.LastEventID != "E1" {
		t.Errorf("record = %+v", r)
	}
	assertGroups(t, h.users, "creator-tier")
	if res.Sync == nil || res.Sync.Granted != 2 || res.Sync.Revoked != 2 {
		t.Errorf("sync = %+v", res.Sync)
	}

	audit, _ := h.dir.ListAudit(context.Background(), "T1")
	if len(audit) != 1 {
		t.Fatalf("audit = %d entries, want 1", len(audit))
	}
	if audit[0].UserCount != 2 || billing.PlanString(audit[0].ToPlan) != "creator" || audit[0].FromPlan != nil {
		t.Errorf("audit = %+v", audit[0])
	}
	if got := h.sink.OfType(notify.TypeStateChanged); len(got) != 1 || got[0].Data["to_status"] != "active" {
		t.Errorf("state changes = %+v", got)
	}
	if got := h.sink.OfType(notify.TypeClaimsRefresh); len(got) != 2 {
		t.Errorf("claims refreshes = %d, want 2", len(got))
	}
}

func TestProcessUpgradeMovesUsers(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))
	res := h.mustProcess(t, subEvent("E2", billing.EventSubscriptionUpdated, "active", "price_pro_monthly", t0.Add(time.Minute)))

	if res.GroupDelta == nil || billing.PlanString(res.GroupDelta.From) != "creator" || billing.PlanString(res.GroupDelta.To) != "pro" {
		t.Fatalf("delta = %+v", res.GroupDelta)
	}
	assertGroups(t, h.users, "pro-tier")
	audit, _ := h.dir.ListAudit(context.Background(), "T1")
	if len(audit) != 2 {
		t.Errorf("audit = %d entries, want 2", len(audit))
	}
}

func TestProcessDuplicateIsNoop(t *testing.T) {
	h := newHarness(t)
	ev := subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0)
	h.mustProcess(t, ev)
	callsBefore := len(h.users.Calls())
	commitsBefore := h.dir.CommitCalls()

	res := h.mustProcess(t, ev)
	if !res.Duplicate || res.Status() != "duplicate" {
		t.Fatalf("result = %+v, want duplicate", res)
	}
	if h.dir.CommitCalls() != commitsBefore {
		t.Error("duplicate of the latest event reached the store")
	}
	if len(h.users.Calls()) != callsBefore {
		t.Error("duplicate touched groups")
	}
	audit, _ := h.dir.ListAudit(context.Background(), "T1")
	if len(audit) != 1 {
		t.Errorf("audit = %d entries, want 1", len(audit))
	}
}

func TestProcessHistoricalDuplicate(t *testing.T) {
	h := newHarness(t)
	first := subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0)
	h.mustProcess(t, first)
	h.mustProcess(t, subEvent("E2", billing.EventSubscriptionUpdated, "active", "price_pro_monthly", t0.Add(time.Minute)))

	res := h.mustProcess(t, first)
	if !res.Duplicate {
		t.Fatalf("result = %+v, want duplicate", res)
	}
	if r := h.record(t); r.LastEventID != "E2" || billing.PlanString(r.PlanID) != "pro" {
		t.Errorf("record changed by redelivery: %+v", r)
	}
}

func TestProcessPaymentFailureNotifiesDunning(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_pro_monthly", t0))

	next := t0.Add(72 * time.Hour)
	ev := invoiceEvent("E2", billing.EventPaymentFailed, 2, t0.Add(time.Hour))
	ev.Invoice.NextPaymentAttempt = &next
	res := h.mustProcess(t, ev)

	if res.Outcome != billing.OutcomeApplied || res.GroupDelta != nil {
		t.Fatalf("result = %+v", res)
	}
	if r := h.record(t); r.Status != billing.StatusPastDue || r.PaymentAttemptCount != 2 {
		t.Errorf("record = %+v", r)
	}
	assertGroups(t, h.users, "pro-tier")

	failed := h.sink.OfType(notify.TypePaymentFailed)
	if len(failed) != 1 {
		t.Fatalf("payment failed notifications = %d", len(failed))
	}
	if failed[0].Data["dunning_stage"] != "urgent" || failed[0].Data["attempt"] != 2 {
		t.Errorf("data = %+v", failed[0].Data)
	}
	if _, ok := failed[0].Data["next_payment_attempt"]; !ok {
		t.Error("missing next_payment_attempt")
	}
	changes := h.sink.OfType(notify.TypeStateChanged)
	if last := changes[len(changes)-1]; last.Data["from_status"] != "active" || last.Data["to_status"] != "past_due" {
		t.Errorf("state change = %+v", last.Data)
	}
}

func TestProcessPaymentSucceededRestoresAccess(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_pro_monthly", t0))
	h.mustProcess(t, invoiceEvent("E2", billing.EventPaymentFailed, 1, t0.Add(time.Hour)))
	res := h.mustProcess(t, invoiceEvent("E3", billing.EventPaymentSucceeded, 0, t0.Add(2*time.Hour)))

	if r := h.record(t); r.Status != billing.StatusActive || r.PaymentAttemptCount != 0 {
		t.Errorf("record = %+v", r)
	}
	if res.GroupDelta == nil {
		t.Fatal("expected re-grant delta when returning to active")
	}
	paid := h.sink.OfType(notify.TypePaymentSucceeded)
	if len(paid) != 1 || paid[0].Data["amount"] != int64(1900) || paid[0].Data["restored"] != true {
		t.Errorf("payment notifications = %+v", paid)
	}
}

func TestProcessTrialPaymentFailureConvergesInEitherOrder(t *testing.T) {
	updated := func() *billing.Event {
		return subEvent("E2", billing.EventSubscriptionUpdated, "past_due", "price_creator_monthly", t0.Add(time.Minute))
	}
	failed := func() *billing.Event {
		return invoiceEvent("E3", billing.EventPaymentFailed, 1, t0.Add(2*time.Minute))
	}
	tests := []struct {
		name  string
		order []func() *billing.Event
	}{
		{"subscription update first", []func() *billing.Event{updated, failed}},
		{"payment failure first", []func() *billing.Event{failed, updated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "trialing", "price_creator_monthly", t0))
			assertGroups(t, h.users, "creator-tier")

			for _, next := range tt.order {
				h.mustProcess(t, next())
			}
			r := h.record(t)
			if r.Status != billing.StatusPastDue || billing.PlanString(r.PlanID) != "creator" {
				t.Errorf("record = %+v", r)
			}
			assertGroups(t, h.users, "creator-tier")
		})
	}
}

func TestProcessStaleEventOnlyMovesWatermark(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0.Add(time.Hour)))
	res := h.mustProcess(t, subEvent("E0", billing.EventSubscriptionUpdated, "active", "price_pro_monthly", t0))

	if res.Outcome != billing.OutcomeStale {
		t.Fatalf("outcome = %s, want stale", res.Outcome)
	}
	r := h.record(t)
	if r.LastEventID != "E0" || billing.PlanString(r.PlanID) != "creator" {
		t.Errorf("record = %+v", r)
	}
	assertGroups(t, h.users, "creator-tier")
}

func TestProcessTenantNotFound(t *testing.T) {
	h := newHarness(t)
	ev := subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0)
	ev.CustomerID = "C404"

	_, err := h.proc.Process(context.Background(), ev)
	if !errors.Is(err, ErrTenantNotFound) || !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent ErrTenantNotFound", err)
	}
	if h.dir.CommitCalls() != 0 {
		t.Error("unmapped customer reached the store")
	}
}

func TestProcessUpdateBeforeCreate(t *testing.T) {
	h := newHarness(t)
	_, err := h.proc.Process(context.Background(), subEvent("E1", billing.EventSubscriptionUpdated, "active", "price_creator_monthly", t0))
	if !errors.Is(err, ErrSubscriptionMissing) || IsRetryable(err) {
		t.Fatalf("err = %v, want permanent ErrSubscriptionMissing", err)
	}
}

func TestProcessUnknownPriceIsPermanent(t *testing.T) {
	h := newHarness(t)
	_, err := h.proc.Process(context.Background(), subEvent("E1", billing.EventSubscriptionCreated, "active", "price_unknown", t0))
	if !errors.Is(err, billing.ErrUnknownPrice) || !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestProcessCommitFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.dir.FailCommits(store.ErrInjected)

	_, err := h.proc.Process(context.Background(), subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))
	if !errors.Is(err, ErrCommitFailed) || !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrCommitFailed", err)
	}
	if n := len(h.users.Calls()); n != 0 {
		t.Errorf("group calls = %d after failed commit", n)
	}
	if len(h.sink.Notifications()) != 0 {
		t.Error("notified after failed commit")
	}
}

func TestProcessAuditFailureLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.dir.FailAuditWrites(store.ErrInjected)

	ev := subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0)
	if _, err := h.proc.Process(context.Background(), ev); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.dir.GetSubscription(context.Background(), "T1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record written despite audit failure: %v", err)
	}
	if h.dir.IsProcessed("T1", "E1") {
		t.Error("event marked processed despite audit failure")
	}

	// The redelivery succeeds once the store recovers.
	h.dir.FailAuditWrites(nil)
	if res := h.mustProcess(t, ev); res.Outcome != billing.OutcomeApplied {
		t.Errorf("redelivery = %+v", res)
	}
}

func TestProcessGroupFailureDoesNotFailEvent(t *testing.T) {
	h := newHarness(t)
	h.users.FailGrant("u1", errors.New("throttled"))

	res := h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))
	if res.Sync == nil || res.Sync.Failed != 1 {
		t.Fatalf("sync = %+v", res.Sync)
	}
	if got := h.users.Groups("u1"); len(got) != 1 || got[0] != "free-tier" {
		t.Errorf("u1 groups = %v, want old group kept", got)
	}
	if !h.dir.IsProcessed("T1", "E1") {
		t.Error("event not committed")
	}
}

// racingDirectory commits a competing event just before the first commit,
// so the processor's CAS fails once.
type racingDirectory struct {
	*store.MemoryDirectory
	once    sync.Once
	compete func()
}

func (d *racingDirectory) CommitSubscription(ctx context.Context, req store.CommitRequest) (store.CommitResult, error) {
	d.once.Do(d.compete)
	return d.MemoryDirectory.CommitSubscription(ctx, req)
}

func TestProcessRecomputesAfterConflict(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))

	competitor := NewProcessor(h.dir, nil, WithClock(func() time.Time { return fixedAt }))
	racing := &racingDirectory{MemoryDirectory: h.dir}
	racing.compete = func() {
		ev := invoiceEvent("E2", billing.EventPaymentFailed, 1, t0.Add(time.Hour))
		if _, err := competitor.Process(context.Background(), ev); err != nil {
			t.Errorf("competitor: %v", err)
		}
	}
	proc := NewProcessor(racing, nil, WithClock(func() time.Time { return fixedAt }))

	res, err := proc.Process(context.Background(), subEvent("E3", billing.EventSubscriptionUpdated, "past_due", "price_pro_monthly", t0.Add(2*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.CommitAttempts != 2 {
		t.Errorf("commit attempts = %d, want 2", res.CommitAttempts)
	}
	r := h.record(t)
	if r.LastEventID != "E3" || r.PaymentAttemptCount != 1 || billing.PlanString(r.PlanID) != "pro" {
		t.Errorf("record lost the competing update: %+v", r)
	}
}

// conflictingDirectory never lets a commit win.
type conflictingDirectory struct {
	*store.MemoryDirectory
}

func (conflictingDirectory) CommitSubscription(context.Context, store.CommitRequest) (store.CommitResult, error) {
	return store.CommitConflict, nil
}

func TestProcessGivesUpAfterMaxConflicts(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))
	proc := NewProcessor(conflictingDirectory{h.dir}, nil, WithMaxCommitAttempts(3))

	res, err := proc.Process(context.Background(), subEvent("E2", billing.EventSubscriptionUpdated, "active", "price_pro_monthly", t0.Add(time.Minute)))
	if !errors.Is(err, ErrCommitFailed) || !IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
	if res.CommitAttempts != 3 {
		t.Errorf("commit attempts = %d, want 3", res.CommitAttempts)
	}
}

func TestProcessConcurrentEventsForOneTenant(t *testing.T) {
	const n = 10
	// Each conflict means a competing commit won, so n+1 attempts always
	// suffice.
	h := newHarness(t, WithMaxCommitAttempts(n+1))
	h.mustProcess(t, subEvent("E0", billing.EventSubscriptionCreated, "active", "price_pro_monthly", t0))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := invoiceEvent(fmt.Sprintf("E%d", i), billing.EventPaymentSucceeded, 0, t0.Add(time.Duration(i)*time.Minute))
			if _, err := h.proc.Process(context.Background(), ev); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Process: %v", err)
	}
	for i := 1; i <= n; i++ {
		if !h.dir.IsProcessed("T1", fmt.Sprintf("E%d", i)) {
			t.Errorf("E%d not processed", i)
		}
	}
}

func TestProcessConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	ev := subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.proc.Process(context.Background(), ev)
			if err != nil {
				t.Errorf("Process: %v", err)
				return
			}
			if res.Outcome == billing.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("applied %d times, want once", applied)
	}
	audit, _ := h.dir.ListAudit(context.Background(), "T1")
	if len(audit) != 1 {
		t.Errorf("audit = %d entries, want 1", len(audit))
	}
}

func TestProcessPeriodEnded(t *testing.T) {
	h := newHarness(t)
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_pro_monthly", t0))
	cancel := subEvent("E2", billing.EventSubscriptionUpdated, "active", "price_pro_monthly", t0.Add(time.Minute))
	cancel.Subscription.CancelAtPeriodEnd = true
	cancel.Subscription.CurrentPeriodEnd = t0.Add(30 * time.Minute)
	h.mustProcess(t, cancel)
	assertGroups(t, h.users, "pro-tier")

	r := h.record(t)
	if r.AccessEndsAt == nil {
		t.Fatal("access end not scheduled")
	}
	ev := billing.NewPeriodEndedEvent("T1", r.CustomerID, r.SubscriptionID, *r.AccessEndsAt)
	res := h.mustProcess(t, ev)
	if res.Outcome != billing.OutcomeApplied {
		t.Fatalf("result = %+v", res)
	}
	if r := h.record(t); r.Status != billing.StatusCancelled || r.PlanID != nil {
		t.Errorf("record = %+v", r)
	}
	assertGroups(t, h.users, "free-tier")

	if res := h.mustProcess(t, ev); !res.Duplicate {
		t.Errorf("repeated sweep = %+v, want duplicate", res)
	}
}

func TestProcessMalformed(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		ev   *billing.Event
	}{
		{"nil", nil},
		{"missing id", &billing.Event{Type: billing.EventSubscriptionCreated, CustomerID: "C1", SubjectID: "sub_1"}},
		{"missing customer", &billing.Event{ID: "E1", Type: billing.EventSubscriptionCreated, SubjectID: "sub_1"}},
		{"missing subject", &billing.Event{ID: "E1", Type: billing.EventSubscriptionUpdated, CustomerID: "C1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.Process(context.Background(), tt.ev)
			if !errors.Is(err, ErrMalformedEvent) || !IsPermanent(err) {
				t.Errorf("err = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestHandleEnvelopeIgnoresUnsupportedTypes(t *testing.T) {
	h := newHarness(t)
	raw := []byte(`{"id":"evt_1","type":"customer.created","created":1772366400,"data":{"object":{"id":"cus_1"}}}`)
	res, err := h.proc.HandleEnvelope(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ignored || res.Status() != "ignored" {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleEnvelopeProcesses(t *testing.T) {
	h := newHarness(t)
	raw := []byte(`{
	  "id": "evt_1",
	  "type": "customer.subscription.created",
	  "created": 1772366400,
	  "data": {"object": {
	    "id": "sub_1",
	    "customer": "C1",
	    "status": "active",
	    "items": {"data": [{"current_period_start": 1772000000, "current_period_end": 1774600000, "price": {"id": "price_creator_monthly"}}]}
	  }}
	}`)
	res, err := h.proc.HandleEnvelope(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != billing.OutcomeApplied || res.EventID != "evt_1" {
		t.Errorf("result = %+v", res)
	}
	if _, err := h.proc.HandleEnvelope(context.Background(), []byte(`{`)); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("err = %v, want ErrMalformedEvent", err)
	}
}

func TestProcessRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, WithTracer(tp.Tracer("test")))
	h.mustProcess(t, subEvent("E1", billing.EventSubscriptionCreated, "active", "price_creator_monthly", t0))
	ev := subEvent("E2", billing.EventSubscriptionUpdated, "active", "price_creator_monthly", t0)
	ev.CustomerID = "C404"
	_, _ = h.proc.Process(context.Background(), ev)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["billing.tenant_id"] != "T1" || attrs["billing.outcome"] != "applied" {
		t.Errorf("attributes = %v", attrs)
	}
	if spans[1].Status().Code.String() != "Error" {
		t.Errorf("failed span status = %v", spans[1].Status())
	}
}
