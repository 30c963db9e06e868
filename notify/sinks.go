package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "notification",
		"tenant_id", n.TenantID,
		"type", n.Type,
		"data", n.Data,
		"timestamp", n.Timestamp,
	)
	return nil
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DefaultSubjectPrefix is prepended to the notification type.
const DefaultSubjectPrefix = "billing.notifications"

// NATSSink publishes notifications as JSON on "<prefix>.<type>".
type NATSSink struct {
	conn   Publisher
	prefix string
}

// NewNATSSink creates a NATSSink. An empty prefix uses DefaultSubjectPrefix.
func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject a notification type is published on.
func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Publish(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.conn.Publish(s.Subject(n.Type), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.Subject(n.Type), err)
	}
	return nil
}

// DialNATS connects to a NATS server for notification publishing.
func DialNATS(url, clientName string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// MemorySink records notifications for tests.
type MemorySink struct {
	mu    sync.Mutex
	items []Notification
	err   error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Fail makes every Publish return err. Pass nil to clear.
func (s *MemorySink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySink) Publish(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, n)
	return nil
}

// Notifications returns everything published so far.
func (s *MemorySink) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// OfType returns published notifications of one type.
func (s *MemorySink) OfType(t Type) []Notification {
	var out []Notification
	for _, n := range s.Notifications() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*NATSSink)(nil)
	_ Sink = (*MemorySink)(nil)
)
