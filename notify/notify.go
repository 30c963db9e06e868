// Package notify publishes fire-and-forget billing notifications. Nothing in
// this package is part of the correctness boundary.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
)

// Type identifies a notification.
type Type string

const (
	TypePaymentSucceeded Type = "payment.succeeded"
	TypePaymentFailed    Type = "payment.failed"
	TypeStateChanged     Type = "subscription.state_changed"
	TypeClaimsRefresh    Type = "claims.refresh_required"
)

// Notification is one published record.
type Notification struct {
	TenantID  string         `json:"tenant_id"`
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives notifications.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

// Notifier fans notifications out to every configured sink.
type Notifier struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewNotifier creates a Notifier. logger and m may be nil.
func NewNotifier(logger *slog.Logger, m *metrics.Collector, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sinks:   sinks,
		logger:  logger.With("component", "notifier"),
		metrics: m,
		now:     time.Now,
	}
}

// Publish sends n to every sink. Sink failures are logged and metered and
// returned joined; callers on the event path ignore the error.
func (n *Notifier) Publish(ctx context.Context, note Notification) error {
	if n == nil {
		return nil
	}
	if note.Timestamp.IsZero() {
		note.Timestamp = n.now().UTC()
	}
	var errs []error
	for _, s := range n.sinks {
		if err := s.Publish(ctx, note); err != nil {
			errs = append(errs, err)
			n.metrics.RecordNotification(string(note.Type), "error")
			n.logger.Warn("notification publish failed",
				"tenant_id", note.TenantID, "type", note.Type, "error", err)
			continue
		}
		n.metrics.RecordNotification(string(note.Type), "success")
	}
	return errors.Join(errs...)
}

// RefreshClaims publishes a claims refresh signal for one user.
func (n *Notifier) RefreshClaims(ctx context.Context, tenantID, userID string) error {
	return n.Publish(ctx, Notification{
		TenantID: tenantID,
		Type:     TypeClaimsRefresh,
		Data:     map[string]any{"user_id": userID},
	})
}
