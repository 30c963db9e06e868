// Package deadletter triages events that exhausted their retry budget. It
// classifies, stores, meters and alerts; it never retries.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
	"github.com/GoCodeAlone/subscription-lifecycle/transport"
)

// Failure reasons.
const (
	ReasonMissingCustomerID    = "missing_customer_id"
	ReasonMissingSubjectID     = "missing_subject_id"
	ReasonMissingRequiredField = "missing_required_field"
	ReasonProcessingError      = "processing_error"
)

// Severity ranks a dead letter for triage.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertReceiveCount is the receive count above which a dead letter alerts
// regardless of severity.
const AlertReceiveCount = 3

// SourceQueue marks dead letters redriven by the event queue.
const SourceQueue = "sqs"

// Message is one raw dead-letter queue message.
type Message struct {
	ID           string
	Body         []byte
	ReceiveCount int
	Attributes   map[string]string
}

// Classification is the triage verdict for one dead letter.
type Classification struct {
	Reason   string
	Severity Severity
	Alert    bool
}

// MetricPublisher exports classifications to an external metrics backend.
type MetricPublisher interface {
	PublishDeadLetter(ctx context.Context, dl *store.DeadLetter) error
}

// Analyzer classifies dead letters and records them.
type Analyzer struct {
	store     store.DeadLetterStore
	alerter   Alerter
	publisher MetricPublisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithAlerter sets the alert sink.
func WithAlerter(a Alerter) Option {
	return func(an *Analyzer) { an.alerter = a }
}

// WithPublisher sets an external metric publisher.
func WithPublisher(p MetricPublisher) Option {
	return func(an *Analyzer) { an.publisher = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(an *Analyzer) { an.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(an *Analyzer) {
		if l != nil {
			an.logger = l
		}
	}
}

// NewAnalyzer creates an Analyzer storing entries in s.
func NewAnalyzer(s store.DeadLetterStore, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.alerter == nil {
		a.alerter = NewLogAlerter(a.logger)
	}
	a.logger = a.logger.With("component", "deadletter")
	return a
}

// Analyze triages one dead-letter queue message. The body is either a
// provider envelope redriven by the queue or a forwarded store.DeadLetter.
// Only a failed store write is returned; the caller keeps the message.
func (a *Analyzer) Analyze(ctx context.Context, msg Message) (*store.DeadLetter, error) {
	dl := decodeMessage(msg)
	if err := a.Add(ctx, dl); err != nil {
		return nil, err
	}
	return dl, nil
}

// Add classifies and records a dead letter. It implements store.DeadLetterSink
// so the webhook ingress can hand failures straight to the analyzer.
func (a *Analyzer) Add(ctx context.Context, dl *store.DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = a.now().UTC()
	}
	c := Classify(dl)
	dl.Reason = c.Reason
	dl.Severity = string(c.Severity)

	if err := a.store.Add(ctx, dl); err != nil {
		return fmt.Errorf("store dead letter %s: %w", dl.ID, err)
	}
	a.metrics.RecordDeadLetter(c.Reason, string(c.Severity))
	a.logger.Warn("dead letter recorded",
		"id", dl.ID,
		"source", dl.Source,
		"event_id", dl.EventID,
		"event_type", dl.EventType,
		"tenant_id", dl.TenantID,
		"reason", c.Reason,
		"severity", c.Severity,
		"receive_count", dl.ReceiveCount,
	)

	if a.publisher != nil {
		if err := a.publisher.PublishDeadLetter(ctx, dl); err != nil {
			a.logger.Warn("dead letter metric publish failed", "id", dl.ID, "error", err)
		}
	}
	if c.Alert {
		a.alert(ctx, dl, c)
	}
	return nil
}

func (a *Analyzer) alert(ctx context.Context, dl *store.DeadLetter, c Classification) {
	err := a.alerter.Alert(ctx, Alert{
		DeadLetterID: dl.ID.String(),
		Source:       dl.Source,
		EventID:      dl.EventID,
		EventType:    dl.EventType,
		TenantID:     dl.TenantID,
		Reason:       c.Reason,
		Severity:     c.Severity,
		ReceiveCount: dl.ReceiveCount,
		Error:        dl.Error,
		Timestamp:    dl.CreatedAt,
	})
	if err != nil {
		a.logger.Error("dead letter alert failed", "id", dl.ID, "severity", c.Severity, "error", err)
		return
	}
	a.metrics.RecordDeadLetterAlert(string(c.Severity))
}

// Handler adapts the analyzer to a queue consumer.
func (a *Analyzer) Handler() transport.Handler {
	return func(ctx context.Context, msg transport.Message) error {
		_, err := a.Analyze(ctx, Message{
			ID:           msg.ID,
			Body:         msg.Body,
			ReceiveCount: msg.ReceiveCount,
			Attributes:   msg.Attributes,
		})
		return err
	}
}

// forwarded probes for a store.DeadLetter body.
type forwarded struct {
	Source   string          `json:"source"`
	Envelope json.RawMessage `json:"envelope"`
}

func decodeMessage(msg Message) *store.DeadLetter {
	var probe forwarded
	if json.Unmarshal(msg.Body, &probe) == nil && probe.Source != "" && len(probe.Envelope) > 0 {
		var dl store.DeadLetter
		if err := json.Unmarshal(msg.Body, &dl); err == nil {
			if msg.ReceiveCount > dl.ReceiveCount {
				dl.ReceiveCount = msg.ReceiveCount
			}
			return &dl
		}
	}

	envelope := transport.UnwrapEventBridge(msg.Body)
	dl := &store.DeadLetter{
		Source:       SourceQueue,
		Envelope:     rawJSON(envelope),
		Error:        msg.Attributes["error"],
		Retryable:    true,
		ReceiveCount: msg.ReceiveCount,
		Attempts:     msg.ReceiveCount,
	}
	if s := msg.Attributes["source"]; s != "" {
		dl.Source = s
	}
	if dl.Error == "" {
		dl.Error = "receive budget exhausted"
	}
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if json.Unmarshal(envelope, &head) == nil {
		dl.EventID = head.ID
		dl.EventType = head.Type
	}
	return dl
}

func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// envelopeFields is the part of a provider envelope the classifier inspects.
type envelopeFields struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID           string          `json:"id"`
			Customer     json.RawMessage `json:"customer"`
			Subscription json.RawMessage `json:"subscription"`
			Status       string          `json:"status"`
			Parent       struct {
				SubscriptionDetails struct {
					Subscription json.RawMessage `json:"subscription"`
				} `json:"subscription_details"`
			} `json:"parent"`
		} `json:"object"`
	} `json:"data"`
}

// Classify derives the reason and severity of a dead letter from its
// envelope and receive count.
func Classify(dl *store.DeadLetter) Classification {
	var env envelopeFields
	parsed := json.Unmarshal(dl.Envelope, &env) == nil

	eventType := dl.EventType
	if parsed && env.Type != "" {
		eventType = env.Type
	}
	canonical, known := billing.CanonicalType(eventType)
	if !known {
		canonical = billing.EventType(eventType)
	}

	c := Classification{Reason: ReasonProcessingError, Severity: SeverityLow}
	if parsed {
		obj := env.Data.Object
		subject := refID(obj.Subscription)
		if subject == "" {
			subject = refID(obj.Parent.SubscriptionDetails.Subscription)
		}
		if canonical.IsSubscriptionEvent() {
			subject = obj.ID
		}
		switch {
		case refID(obj.Customer) == "":
			c = Classification{Reason: ReasonMissingCustomerID, Severity: SeverityHigh}
		case (canonical.IsSubscriptionEvent() || canonical.IsPaymentEvent()) && subject == "":
			c = Classification{Reason: ReasonMissingSubjectID, Severity: SeverityMedium}
		case env.ID == "" || env.Type == "" || (canonical.IsSubscriptionEvent() && obj.Status == ""):
			c = Classification{Reason: ReasonMissingRequiredField, Severity: SeverityMedium}
		}
	}

	if canonical == billing.EventPaymentFailed || canonical == billing.EventSubscriptionDeleted || dl.ReceiveCount > AlertReceiveCount {
		c.Severity = SeverityCritical
	}
	c.Alert = c.Severity == SeverityCritical || dl.ReceiveCount > AlertReceiveCount
	return c
}

// refID reads a provider reference that is either an id string or an
// expanded object with an id.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}

var _ store.DeadLetterSink = (*Analyzer)(nil)
