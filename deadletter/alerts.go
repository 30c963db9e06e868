package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/subscription-lifecycle/webhook"
)

// Alert is the payload raised for a dead letter that needs attention.
type Alert struct {
	DeadLetterID string    `json:"dead_letter_id"`
	Source       string    `json:"source"`
	EventID      string    `json:"event_id,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Reason       string    `json:"reason"`
	Severity     Severity  `json:"severity"`
	ReceiveCount int       `json:"receive_count"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger.With("component", "deadletter-alert")}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) error {
	l.logger.ErrorContext(ctx, "dead letter alert",
		"dead_letter_id", a.DeadLetterID,
		"event_id", a.EventID,
		"event_type", a.EventType,
		"tenant_id", a.TenantID,
		"reason", a.Reason,
		"severity", a.Severity,
		"receive_count", a.ReceiveCount,
		"error", a.Error,
	)
	return nil
}

// WebhookAlerter POSTs alerts as JSON with retries.
type WebhookAlerter struct {
	url     string
	manager *webhook.RetryManager
	headers map[string]string
}

// NewWebhookAlerter creates a WebhookAlerter for url.
func NewWebhookAlerter(url string, manager *webhook.RetryManager, headers map[string]string) *WebhookAlerter {
	if manager == nil {
		manager = webhook.NewRetryManager(webhook.DefaultRetryConfig(), nil)
	}
	return &WebhookAlerter{url: url, manager: manager, headers: headers}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	d, err := w.manager.Send(ctx, w.url, payload, w.headers)
	if err != nil {
		return fmt.Errorf("deliver alert after %d attempts: %w", d.Attempts, err)
	}
	return nil
}

// MultiAlerter sends to every alerter and reports the first failure.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Alerter = (*LogAlerter)(nil)
	_ Alerter = (*WebhookAlerter)(nil)
	_ Alerter = MultiAlerter(nil)
)
