package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace   string `yaml:"namespace" json:"namespace"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "billing",
		MetricsPath: "/metrics",
	}
}

// Collector wraps the Prometheus metrics of the lifecycle processor. Each
// Collector owns its registry. All Record methods are safe on a nil
// *Collector.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	EventsProcessed      *prometheus.CounterVec
	EventDuration        *prometheus.HistogramVec
	GroupSync            *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	DeadLetters          *prometheus.CounterVec
	DeadLetterAlerts     *prometheus.CounterVec
	SweeperDowngrades    prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	QueueMessagesHandled *prometheus.CounterVec
}

// New creates a Collector with the default configuration.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Collector with its own Prometheus registry.
func NewWithConfig(cfg Config) *Collector {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	c := &Collector{
		config:   cfg,
		registry: reg,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_processed_total",
			Help:      "Total number of billing events processed, by outcome",
		}, []string{"event_type", "outcome"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "event_processing_seconds",
			Help:      "Duration of billing event processing in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		GroupSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "group_sync_total",
			Help:      "Total number of authorization group operations",
		}, []string{"operation", "status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifications_total",
			Help:      "Total number of notifications published",
		}, []string{"type", "status"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dead_letters_total",
			Help:      "Total number of dead-lettered events by classification",
		}, []string{"reason", "severity"}),
		DeadLetterAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dead_letter_alerts_total",
			Help:      "Total number of dead-letter alerts raised",
		}, []string{"severity"}),
		SweeperDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sweeper_downgrades_total",
			Help:      "Total number of period-end downgrades applied by the sweeper",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		QueueMessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "queue_messages_total",
			Help:      "Total number of queue messages handled",
		}, []string{"queue", "status"}),
	}

	reg.MustRegister(
		c.EventsProcessed,
		c.EventDuration,
		c.GroupSync,
		c.Notifications,
		c.DeadLetters,
		c.DeadLetterAlerts,
		c.SweeperDowngrades,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
		c.QueueMessagesHandled,
	)
	return c
}

// MetricsPath returns the configured metrics endpoint path.
func (c *Collector) MetricsPath() string { return c.config.MetricsPath }

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEvent records one processed event and its duration.
func (c *Collector) RecordEvent(eventType, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.EventsProcessed.WithLabelValues(eventType, outcome).Inc()
	c.EventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordGroupSync records one grant, revoke or claims refresh.
func (c *Collector) RecordGroupSync(operation, status string) {
	if c == nil {
		return
	}
	c.GroupSync.WithLabelValues(operation, status).Inc()
}

// RecordNotification records one published notification.
func (c *Collector) RecordNotification(kind, status string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(kind, status).Inc()
}

// RecordDeadLetter records one classified dead letter.
func (c *Collector) RecordDeadLetter(reason, severity string) {
	if c == nil {
		return
	}
	c.DeadLetters.WithLabelValues(reason, severity).Inc()
}

// RecordDeadLetterAlert records one raised alert.
func (c *Collector) RecordDeadLetterAlert(severity string) {
	if c == nil {
		return
	}
	c.DeadLetterAlerts.WithLabelValues(severity).Inc()
}

// RecordSweeperDowngrade records one period-end downgrade.
func (c *Collector) RecordSweeperDowngrade() {
	if c == nil {
		return
	}
	c.SweeperDowngrades.Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQueueMessage records one queue message outcome.
func (c *Collector) RecordQueueMessage(queue, status string) {
	if c == nil {
		return
	}
	c.QueueMessagesHandled.WithLabelValues(queue, status).Inc()
}
