package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the status of an outbound delivery.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// RetryConfig holds backoff settings shared by inbound event processing and
// outbound deliveries.
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitter_fraction" yaml:"jitter_fraction"`
	// Timeout bounds a single attempt.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           10 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// backoff returns the wait before the given retry (1-based), capped and
// jittered.
func (c RetryConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	if c.JitterFraction > 0 {
		jitter := base * c.JitterFraction * (cryptoFloat64()*2 - 1)
		base += jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// RetryRunner runs a function with bounded retries. Errors the classifier
// reports as not retryable end the loop at once.
type RetryRunner struct {
	config    RetryConfig
	retryable func(error) bool
}

// NewRetryRunner creates a RetryRunner. A nil classifier retries every error.
func NewRetryRunner(config RetryConfig, retryable func(error) bool) *RetryRunner {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &RetryRunner{config: config.withDefaults(), retryable: retryable}
}

// Run calls fn until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx is done. Each call gets its own timeout. It returns
// the number of calls made.
func (r *RetryRunner) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.config.backoff(attempt)):
			case <-ctx.Done():
				return attempt, errors.Join(lastErr, ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if !r.retryable(err) || ctx.Err() != nil {
			return attempt + 1, err
		}
	}
	return r.config.MaxRetries + 1, lastErr
}

// Delivery tracks a single outbound delivery.
type Delivery struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Status      DeliveryStatus    `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	LastAttempt *time.Time        `json:"last_attempt,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

// RetryManager POSTs JSON payloads with exponential backoff and jitter. It is
// used for alert delivery.
type RetryManager struct {
	config      RetryConfig
	client      *http.Client
	onExhausted func(*Delivery, error)
}

// NewRetryManager creates a RetryManager. onExhausted, if set, is called for
// deliveries that failed every attempt.
func NewRetryManager(config RetryConfig, onExhausted func(*Delivery, error)) *RetryManager {
	config = config.withDefaults()
	return &RetryManager{
		config:      config,
		client:      &http.Client{Timeout: config.Timeout},
		onExhausted: onExhausted,
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (rm *RetryManager) SetClient(client *http.Client) {
	rm.client = client
}

// Send delivers a payload with retry logic.
func (rm *RetryManager) Send(ctx context.Context, url string, payload []byte, headers map[string]string) (*Delivery, error) {
	delivery := &Delivery{
		ID:         "wh-" + uuid.NewString(),
		URL:        url,
		Payload:    payload,
		Headers:    headers,
		Status:     StatusPending,
		MaxRetries: rm.config.MaxRetries,
		CreatedAt:  time.Now(),
	}

	if err := rm.deliver(ctx, delivery); err != nil {
		delivery.Status = StatusFailed
		delivery.LastError = err.Error()
		if rm.onExhausted != nil {
			rm.onExhausted(delivery, err)
		}
		return delivery, err
	}
	return delivery, nil
}

func (rm *RetryManager) deliver(ctx context.Context, d *Delivery) error {
	var lastErr error

	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		d.Attempts = attempt + 1
		now := time.Now()
		d.LastAttempt = &now

		if attempt > 0 {
			select {
			case <-time.After(rm.config.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := rm.doSend(ctx, d)
		if err == nil {
			t := time.Now()
			d.Status = StatusDelivered
			d.DeliveredAt = &t
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (rm *RetryManager) doSend(ctx context.Context, d *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := rm.client.Do(req) //nolint:gosec // G704: URL from configured alert endpoint
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// Use top 53 bits for a uniform float64 in [0, 1)
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
