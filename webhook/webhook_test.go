package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/lifecycle"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

const testSecret = "whsec_test"

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.JitterFraction != 0.1 {
		t.Errorf("expected JitterFraction 0.1, got %f", cfg.JitterFraction)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		if got := cfg.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2, JitterFraction: 0.5}
	for range 50 {
		got := cfg.backoff(1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("backoff = %v outside jitter range", got)
		}
	}
}

func TestRetryRunner(t *testing.T) {
	permanent := errors.New("permanent")
	classify := func(err error) bool { return !errors.Is(err, permanent) }

	tests := []struct {
		name         string
		failures     int
		err          error
		maxRetries   int
		wantAttempts int
		wantErr      bool
	}{
		{"first try", 0, nil, 3, 1, false},
		{"succeeds after retries", 2, errors.New("flaky"), 3, 3, false},
		{"budget exhausted", 10, errors.New("down"), 2, 3, true},
		{"permanent skips retries", 10, permanent, 5, 1, true},
		{"no retries", 10, errors.New("down"), 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetryRunner(fastRetry(tt.maxRetries), classify)
			calls := 0
			attempts, err := r.Run(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("attempts = %d calls = %d, want %d", attempts, calls, tt.wantAttempts)
			}
		})
	}
}

func TestRetryRunnerAppliesAttemptTimeout(t *testing.T) {
	cfg := fastRetry(0)
	cfg.Timeout = 10 * time.Millisecond
	r := NewRetryRunner(cfg, nil)
	_, err := r.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryRunnerStopsOnCancel(t *testing.T) {
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	r := NewRetryRunner(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := r.Run(ctx, func(context.Context) error {
		cancel()
		return errors.New("down")
	})
	if attempts != 1 || err == nil {
		t.Errorf("attempts = %d err = %v", attempts, err)
	}
}

func TestRetryManager_SendSuccess(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		if r.Header.Get("X-Test") != "1" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rm := NewRetryManager(fastRetry(3), nil)
	d, err := rm.Send(context.Background(), srv.URL, []byte(`{"ok":true}`), map[string]string{"X-Test": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != StatusDelivered {
		t.Errorf("expected delivered, got %s", d.Status)
	}
	if d.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", d.Attempts)
	}
	if d.DeliveredAt == nil {
		t.Error("expected DeliveredAt to be set")
	}
}

func TestRetryManager_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rm := NewRetryManager(fastRetry(4), nil)
	d, err := rm.Send(context.Background(), srv.URL, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", d.Attempts)
	}
}

func TestRetryManager_AllRetriesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var exhausted *Delivery
	rm := NewRetryManager(fastRetry(2), func(d *Delivery, err error) { exhausted = d })
	d, err := rm.Send(context.Background(), srv.URL, []byte(`{}`), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if d.Status != StatusFailed || d.StatusCode != http.StatusInternalServerError {
		t.Errorf("delivery = %+v", d)
	}
	if d.Attempts != 3 { // 1 initial + 2 retries
		t.Errorf("expected 3 attempts, got %d", d.Attempts)
	}
	if exhausted == nil || exhausted.ID != d.ID {
		t.Error("exhausted callback not invoked")
	}
}

// --- ingress ---------------------------------------------------------------

type fakeProcessor struct {
	calls atomic.Int32
	fail  int32
	err   error
	res   lifecycle.Result
}

func (p *fakeProcessor) Process(_ context.Context, ev *billing.Event) (lifecycle.Result, error) {
	n := p.calls.Add(1)
	if n <= p.fail {
		return lifecycle.Result{EventID: ev.ID, TenantID: "T1"}, p.err
	}
	res := p.res
	res.EventID = ev.ID
	return res, nil
}

type failingSink struct{}

func (failingSink) Add(context.Context, *store.DeadLetter) error { return errors.New("dlq down") }

func envelope(id, typ, customer string) []byte {
	return fmt.Appendf(nil, `{
	  "id": %q,
	  "type": %q,
	  "created": %d,
	  "data": {"object": {
	    "id": "sub_1",
	    "customer": %q,
	    "status": "active",
	    "items": {"data": [{"current_period_start": 1772000000, "current_period_end": 1774600000, "price": {"id": "price_pro_monthly"}}]}
	  }}
	}`, id, typ, time.Now().Unix(), customer)
}

func signedRequest(t *testing.T, body []byte, secret string, at time.Time) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: at,
	})
	req := httptest.NewRequest(http.MethodPost, Path, bytes.NewReader(signed.Payload))
	req.Header.Set(billing.SignatureHeader, signed.Header)
	return req
}

func serve(t *testing.T, h *Handler, req *http.Request) (int, response) {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func newTestHandler(p Processor, sink store.DeadLetterSink, maxRetries int) *Handler {
	return NewHandler(billing.NewVerifier(testSecret, 0), p, sink,
		WithRetryRunner(NewRetryRunner(fastRetry(maxRetries), lifecycle.IsRetryable)))
}

func TestHandlerProcessesSignedEvent(t *testing.T) {
	p := &fakeProcessor{res: lifecycle.Result{TenantID: "T1", Outcome: billing.OutcomeApplied}}
	h := newTestHandler(p, store.NewInMemoryDeadLetterStore(), 2)

	code, resp := serve(t, h, signedRequest(t, envelope("evt_1", "customer.subscription.created", "C1"), testSecret, time.Now()))
	if code != http.StatusOK || resp.Status != "applied" || resp.EventID != "evt_1" || resp.TenantID != "T1" {
		t.Errorf("code = %d resp = %+v", code, resp)
	}
}

func TestHandlerRejections(t *testing.T) {
	body := envelope("evt_1", "customer.subscription.created", "C1")
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{"wrong secret", func(t *testing.T) *http.Request { return signedRequest(t, body, "whsec_other", time.Now()) }},
		{"stale timestamp", func(t *testing.T) *http.Request {
			return signedRequest(t, body, testSecret, time.Now().Add(-10*time.Minute))
		}},
		{"missing signature", func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, Path, bytes.NewReader(body))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{}
			dlq := store.NewInMemoryDeadLetterStore()
			code, resp := serve(t, newTestHandler(p, dlq, 2), tt.req(t))
			if code != http.StatusBadRequest || resp.Status != "rejected" {
				t.Errorf("code = %d resp = %+v", code, resp)
			}
			if p.calls.Load() != 0 {
				t.Error("rejected request reached the processor")
			}
			if dlq.Count() != 0 {
				t.Error("rejected request was dead-lettered")
			}
		})
	}
}

func TestHandlerMalformedEventIsDeadLetteredAndRejected(t *testing.T) {
	p := &fakeProcessor{}
	dlq := store.NewInMemoryDeadLetterStore()
	code, resp := serve(t, newTestHandler(p, dlq, 2), signedRequest(t, envelope("evt_1", "customer.subscription.created", ""), testSecret, time.Now()))

	if code != http.StatusBadRequest {
		t.Errorf("code = %d resp = %+v", code, resp)
	}
	entries, _ := dlq.List(context.Background(), store.DeadLetterFilter{})
	if len(entries) != 1 || entries[0].EventID != "evt_1" || entries[0].Retryable {
		t.Errorf("dead letters = %+v", entries)
	}
}

func TestHandlerIgnoresUnsupportedEvents(t *testing.T) {
	p := &fakeProcessor{}
	code, resp := serve(t, newTestHandler(p, store.NewInMemoryDeadLetterStore(), 2),
		signedRequest(t, envelope("evt_1", "customer.created", "C1"), testSecret, time.Now()))
	if code != http.StatusOK || resp.Status != "ignored" {
		t.Errorf("code = %d resp = %+v", code, resp)
	}
	if p.calls.Load() != 0 {
		t.Error("unsupported event reached the processor")
	}
}

func TestHandlerRetriesTransientFailures(t *testing.T) {
	p := &fakeProcessor{fail: 2, err: fmt.Errorf("%w: timeout", lifecycle.ErrCommitFailed), res: lifecycle.Result{Outcome: billing.OutcomeApplied}}
	dlq := store.NewInMemoryDeadLetterStore()
	code, resp := serve(t, newTestHandler(p, dlq, 3), signedRequest(t, envelope("evt_1", "customer.subscription.updated", "C1"), testSecret, time.Now()))

	if code != http.StatusOK || resp.Status != "applied" {
		t.Errorf("code = %d resp = %+v", code, resp)
	}
	if p.calls.Load() != 3 || dlq.Count() != 0 {
		t.Errorf("calls = %d dead letters = %d", p.calls.Load(), dlq.Count())
	}
}

func TestHandlerDeadLettersAfterBudget(t *testing.T) {
	p := &fakeProcessor{fail: 100, err: fmt.Errorf("%w: connection refused", lifecycle.ErrCommitFailed)}
	dlq := store.NewInMemoryDeadLetterStore()
	code, resp := serve(t, newTestHandler(p, dlq, 2), signedRequest(t, envelope("evt_1", "customer.subscription.updated", "C1"), testSecret, time.Now()))

	if code != http.StatusOK || resp.Status != "dead_lettered" {
		t.Fatalf("code = %d resp = %+v", code, resp)
	}
	entries, _ := dlq.List(context.Background(), store.DeadLetterFilter{})
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d", len(entries))
	}
	dl := entries[0]
	if dl.Source != SourceWebhook || dl.EventID != "evt_1" || dl.Attempts != 3 || !dl.Retryable || dl.TenantID != "T1" {
		t.Errorf("dead letter = %+v", dl)
	}
	if !strings.Contains(string(dl.Envelope), `"evt_1"`) {
		t.Errorf("envelope = %s", dl.Envelope)
	}
}

func TestHandlerPermanentFailureSkipsRetries(t *testing.T) {
	p := &fakeProcessor{fail: 100, err: fmt.Errorf("%w: C9", lifecycle.ErrTenantNotFound)}
	dlq := store.NewInMemoryDeadLetterStore()
	code, resp := serve(t, newTestHandler(p, dlq, 5), signedRequest(t, envelope("evt_1", "customer.subscription.updated", "C9"), testSecret, time.Now()))

	if code != http.StatusOK || resp.Status != "dead_lettered" {
		t.Errorf("code = %d resp = %+v", code, resp)
	}
	if p.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", p.calls.Load())
	}
	entries, _ := dlq.List(context.Background(), store.DeadLetterFilter{})
	if len(entries) != 1 || entries[0].Retryable {
		t.Errorf("dead letters = %+v", entries)
	}
}

func TestHandlerDeadLetterFailureIs500(t *testing.T) {
	p := &fakeProcessor{fail: 100, err: fmt.Errorf("%w: C9", lifecycle.ErrTenantNotFound)}
	code, resp := serve(t, newTestHandler(p, failingSink{}, 0), signedRequest(t, envelope("evt_1", "customer.subscription.updated", "C9"), testSecret, time.Now()))
	if code != http.StatusInternalServerError || resp.Status != "error" {
		t.Errorf("code = %d resp = %+v", code, resp)
	}
}

func TestHandlerBodyTooLarge(t *testing.T) {
	h := NewHandler(billing.NewVerifier(testSecret, 0), &fakeProcessor{}, store.NewInMemoryDeadLetterStore(), WithMaxBodyBytes(16))
	code, _ := serve(t, h, signedRequest(t, envelope("evt_1", "customer.subscription.created", "C1"), testSecret, time.Now()))
	if code != http.StatusRequestEntityTooLarge {
		t.Errorf("code = %d", code)
	}
}

func TestHandlerEndToEnd(t *testing.T) {
	dir := store.NewMemoryDirectory()
	if err := dir.PutTenant(context.Background(), &store.Tenant{ID: "T1", CustomerID: "C1"}); err != nil {
		t.Fatal(err)
	}
	proc := lifecycle.NewProcessor(dir, nil)
	dlq := store.NewInMemoryDeadLetterStore()
	h := newTestHandler(proc, dlq, 1)

	body := envelope("evt_1", "customer.subscription.created", "C1")
	code, resp := serve(t, h, signedRequest(t, body, testSecret, time.Now()))
	if code != http.StatusOK || resp.Status != "applied" {
		t.Fatalf("code = %d resp = %+v", code, resp)
	}
	code, resp = serve(t, h, signedRequest(t, body, testSecret, time.Now()))
	if code != http.StatusOK || resp.Status != "duplicate" {
		t.Errorf("redelivery: code = %d resp = %+v", code, resp)
	}

	code, resp = serve(t, h, signedRequest(t, envelope("evt_2", "customer.subscription.created", "C404"), testSecret, time.Now()))
	if code != http.StatusOK || resp.Status != "dead_lettered" {
		t.Errorf("unmapped customer: code = %d resp = %+v", code, resp)
	}
	if dlq.Count() != 1 {
		t.Errorf("dead letters = %d", dlq.Count())
	}

	rec, err := dir.GetSubscription(context.Background(), "T1")
	if err != nil || rec.Status != billing.StatusActive || billing.PlanString(rec.PlanID) != "pro" {
		t.Errorf("record = %+v err = %v", rec, err)
	}
}
