// Package transport feeds queued provider events into the processor and
// forwards dead letters to a queue.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// SQSClient is the subset of the SQS API the consumer and sink use.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig configures one consumer.
type SQSConfig struct {
	Name              string `json:"name" yaml:"name"`
	QueueURL          string `json:"queue_url" yaml:"queue_url"`
	MaxMessages       int    `json:"max_messages" yaml:"max_messages"`
	WaitTimeSeconds   int    `json:"wait_time_seconds" yaml:"wait_time_seconds"`
	VisibilityTimeout int    `json:"visibility_timeout" yaml:"visibility_timeout"`
	// MessageTimeout bounds the handling of one message.
	MessageTimeout time.Duration `json:"message_timeout" yaml:"message_timeout"`
	// Concurrency bounds how many messages of a batch are handled at once.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

func (c SQSConfig) withDefaults() SQSConfig {
	if c.Name == "" {
		c.Name = "events"
	}
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	if c.WaitTimeSeconds <= 0 || c.WaitTimeSeconds > 20 {
		c.WaitTimeSeconds = 20
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.MaxMessages
	}
	return c
}

// Message is one received queue message.
type Message struct {
	ID   string
	Body []byte
	// ReceiveCount is the queue's approximate delivery count, starting at 1.
	ReceiveCount int
	Attributes   map[string]string
}

// Handler processes one message. A nil error deletes the message; any error
// leaves it on the queue for redelivery and, after the receive budget,
// redrive to the dead-letter queue.
type Handler func(ctx context.Context, msg Message) error

// SQSConsumer long-polls a queue and dispatches messages to a Handler.
type SQSConsumer struct {
	config  SQSConfig
	client  SQSClient
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
}

// NewSQSConsumer creates a consumer. Call Start to begin polling.
func NewSQSConsumer(cfg SQSConfig, client SQSClient, handler Handler, logger *slog.Logger, m *metrics.Collector) (*SQSConsumer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs consumer: queue_url is required")
	}
	if client == nil || handler == nil {
		return nil, fmt.Errorf("sqs consumer %q: client and handler are required", cfg.Name)
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSConsumer{
		config:  cfg,
		client:  client,
		handler: handler,
		logger:  logger.With("component", "sqs-consumer", "queue", cfg.Name),
		metrics: m,
	}, nil
}

// Start begins polling in the background.
func (c *SQSConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("sqs consumer %q: already started", c.config.Name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.healthy.Store(true)

	go c.pollLoop(loopCtx)

	c.logger.Info("started", "queue_url", c.config.QueueURL)
	return nil
}

// Stop cancels polling and waits for in-flight messages to finish.
func (c *SQSConsumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.done != nil {
		<-c.done
		c.done = nil
	}
	return nil
}

// Healthy reports whether the last receive succeeded.
func (c *SQSConsumer) Healthy() bool {
	return c.healthy.Load()
}

func (c *SQSConsumer) pollLoop(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("receive error", "error", err)
			c.healthy.Store(false)

			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			c.healthy.Store(true)
		}
	}
}

// PollOnce receives one batch and handles it. It returns the number of
// messages received.
func (c *SQSConsumer) PollOnce(ctx context.Context) (int, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.config.QueueURL),
		MaxNumberOfMessages:         int32(c.config.MaxMessages),
		WaitTimeSeconds:             int32(c.config.WaitTimeSeconds),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
		MessageAttributeNames:       []string{"All"},
	}
	if c.config.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(c.config.VisibilityTimeout)
	}
	out, err := c.client.ReceiveMessage(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("sqs receive %s: %w", c.config.Name, err)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.config.Concurrency)
	for _, m := range out.Messages {
		g.Go(func() error {
			c.handle(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
	return len(out.Messages), nil
}

func (c *SQSConsumer) handle(ctx context.Context, m sqstypes.Message) {
	msg := toMessage(m)

	msgCtx, cancel := context.WithTimeout(ctx, c.config.MessageTimeout)
	err := c.handler(msgCtx, msg)
	cancel()
	if err != nil {
		c.metrics.RecordQueueMessage(c.config.Name, "failed")
		c.logger.Warn("message left for redelivery",
			"message_id", msg.ID, "receive_count", msg.ReceiveCount, "error", err)
		return
	}

	// Delete even when polling was cancelled so a handled message is not
	// redelivered.
	_, err = c.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.metrics.RecordQueueMessage(c.config.Name, "delete_failed")
		c.logger.Warn("delete message failed", "message_id", msg.ID, "error", err)
		return
	}
	c.metrics.RecordQueueMessage(c.config.Name, "handled")
}

func toMessage(m sqstypes.Message) Message {
	msg := Message{
		ID:           aws.ToString(m.MessageId),
		Body:         []byte(aws.ToString(m.Body)),
		ReceiveCount: 1,
		Attributes:   make(map[string]string, len(m.MessageAttributes)),
	}
	if v, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.ReceiveCount = n
		}
	}
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			msg.Attributes[k] = *v.StringValue
		}
	}
	return msg
}

// eventBridgeEnvelope is the event-bus wrapper around a provider event.
type eventBridgeEnvelope struct {
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Detail     json.RawMessage `json:"detail"`
}

// UnwrapEventBridge returns the provider event inside an event-bus envelope,
// or body unchanged when it is not wrapped.
func UnwrapEventBridge(body []byte) []byte {
	var env eventBridgeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if env.DetailType == "" || len(env.Detail) == 0 || string(env.Detail) == "null" {
		return body
	}
	return env.Detail
}

// SQSDeadLetterSink sends dead letters to a queue for the analyzer.
type SQSDeadLetterSink struct {
	client   SQSClient
	queueURL string
}

// NewSQSDeadLetterSink creates a sink for the given dead-letter queue.
func NewSQSDeadLetterSink(client SQSClient, queueURL string) (*SQSDeadLetterSink, error) {
	if queueURL == "" {
		return nil, errors.New("sqs dead-letter sink: queue url is required")
	}
	return &SQSDeadLetterSink{client: client, queueURL: queueURL}, nil
}

// Add implements store.DeadLetterSink.
func (s *SQSDeadLetterSink) Add(ctx context.Context, dl *store.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("sqs dead-letter sink: marshal: %w", err)
	}
	attrs := map[string]sqstypes.MessageAttributeValue{
		"source": {DataType: aws.String("String"), StringValue: aws.String(dl.Source)},
	}
	if dl.EventType != "" {
		attrs["event_type"] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(dl.EventType)}
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sqs dead-letter sink: send: %w", err)
	}
	return nil
}

var _ store.DeadLetterSink = (*SQSDeadLetterSink)(nil)
