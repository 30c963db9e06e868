// Package webhook is the HTTP ingress for signed payment provider events and
// the retrying outbound delivery client.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/lifecycle"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// Path is the ingress route.
const Path = "/api/v1/billing/webhook"

// DefaultMaxBodyBytes caps the request body.
const DefaultMaxBodyBytes int64 = 1 << 20

// Processor applies a verified event.
type Processor interface {
	Process(ctx context.Context, ev *billing.Event) (lifecycle.Result, error)
}

// Verifier authenticates and decodes a request body.
type Verifier interface {
	Verify(payload []byte, signature string) (*billing.Event, error)
}

// Handler serves the webhook ingress.
type Handler struct {
	verifier  Verifier
	processor Processor
	runner    *RetryRunner
	sink      store.DeadLetterSink
	logger    *slog.Logger
	maxBody   int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRetryRunner replaces the default retry loop.
func WithRetryRunner(r *RetryRunner) HandlerOption {
	return func(h *Handler) { h.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMaxBodyBytes caps the accepted request size.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler creates the ingress handler. Events that still fail after the
// retry budget are handed to sink.
func NewHandler(verifier Verifier, processor Processor, sink store.DeadLetterSink, opts ...HandlerOption) *Handler {
	h := &Handler{
		verifier:  verifier,
		processor: processor,
		sink:      sink,
		logger:    slog.Default(),
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.runner == nil {
		h.runner = NewRetryRunner(DefaultRetryConfig(), lifecycle.IsRetryable)
	}
	h.logger = h.logger.With("component", "webhook")
	return h
}

// RegisterRoutes registers the ingress route on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST "+Path, h)
}

type response struct {
	Status   string `json:"status"`
	EventID  string `json:"event_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "rejected", Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, response{Status: "rejected", Error: "read body"})
		return
	}

	ev, err := h.verifier.Verify(body, r.Header.Get(billing.SignatureHeader))
	switch {
	case errors.Is(err, billing.ErrUnsupportedEvent):
		writeJSON(w, http.StatusOK, response{Status: "ignored"})
		return
	case errors.Is(err, lifecycle.ErrInvalidSignature), errors.Is(err, lifecycle.ErrStaleTimestamp):
		h.logger.Warn("webhook rejected", "error", err, "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusBadRequest, response{Status: "rejected", Error: err.Error()})
		return
	case err != nil:
		// Authenticated but unusable: keep it for triage, then reject.
		h.logger.Warn("malformed webhook event", "error", err)
		if dlErr := h.sink.Add(r.Context(), newDeadLetter(body, nil, lifecycle.Result{}, err, 0)); dlErr != nil {
			h.logger.Error("dead-letter write failed", "error", dlErr)
		}
		writeJSON(w, http.StatusBadRequest, response{Status: "rejected", Error: err.Error()})
		return
	}

	var res lifecycle.Result
	attempts, err := h.runner.Run(r.Context(), func(ctx context.Context) error {
		var perr error
		res, perr = h.processor.Process(ctx, ev)
		return perr
	})
	if err == nil {
		writeJSON(w, http.StatusOK, response{
			Status:   res.Status(),
			EventID:  ev.ID,
			TenantID: res.TenantID,
			Outcome:  string(res.Outcome),
		})
		return
	}

	if r.Context().Err() != nil {
		// The caller went away; the provider redelivers.
		h.logger.Warn("webhook abandoned", "event_id", ev.ID, "attempts", attempts, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "retry", EventID: ev.ID})
		return
	}

	dl := newDeadLetter(body, ev, res, err, attempts)
	if dlErr := h.sink.Add(context.WithoutCancel(r.Context()), dl); dlErr != nil {
		h.logger.Error("dead-letter write failed",
			"event_id", ev.ID, "event_type", ev.Type, "error", dlErr, "cause", err)
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", EventID: ev.ID, Error: "dead-letter write failed"})
		return
	}
	h.logger.Error("event dead-lettered",
		"event_id", ev.ID, "event_type", ev.Type, "tenant_id", res.TenantID,
		"attempts", attempts, "retryable", dl.Retryable, "error", err)
	writeJSON(w, http.StatusOK, response{Status: "dead_lettered", EventID: ev.ID, TenantID: res.TenantID, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
