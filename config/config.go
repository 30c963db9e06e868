// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/cache"
	"github.com/GoCodeAlone/subscription-lifecycle/groups"
	"github.com/GoCodeAlone/subscription-lifecycle/observability/tracing"
	"github.com/GoCodeAlone/subscription-lifecycle/scheduler"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
	"github.com/GoCodeAlone/subscription-lifecycle/transport"
	"github.com/GoCodeAlone/subscription-lifecycle/webhook"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
	DriverCognito  = "cognito"
	DriverLog      = "log"
	DriverNATS     = "nats"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	AWS     AWSConfig               `yaml:"aws"`
	Stripe  StripeConfig            `yaml:"stripe"`
	Store   StoreConfig             `yaml:"store"`
	Cache   CacheConfig             `yaml:"cache"`
	Groups  GroupsConfig            `yaml:"groups"`
	Notify  NotifyConfig            `yaml:"notify"`
	Queue   QueueConfig             `yaml:"queue"`
	Retry   webhook.RetryConfig     `yaml:"retry"`
	Sweeper scheduler.SweeperConfig `yaml:"sweeper"`
	Alerts  AlertsConfig            `yaml:"alerts"`
	Tracing tracing.Config          `yaml:"tracing"`
	Logging LoggingConfig           `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsPath     string        `yaml:"metrics_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// AWSConfig is shared by every AWS client.
type AWSConfig struct {
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string `yaml:"endpoint"`
}

// StripeConfig configures webhook verification and the plan table.
type StripeConfig struct {
	WebhookSecret string         `yaml:"webhook_secret"`
	Tolerance     time.Duration  `yaml:"tolerance"`
	Plans         []billing.Plan `yaml:"plans"`
}

// StoreConfig selects the tenant directory and dead-letter store.
type StoreConfig struct {
	Driver   string             `yaml:"driver"`
	Postgres store.PGConfig     `yaml:"postgres"`
	DynamoDB store.DynamoConfig `yaml:"dynamodb"`
	// DeadLetters is memory or postgres.
	DeadLetters string `yaml:"dead_letters"`
}

// CacheConfig configures the customer index cache. Redis is used when an
// address is set; the local cache is always in front of it.
type CacheConfig struct {
	Redis        cache.RedisConfig `yaml:"redis"`
	LocalTTL     time.Duration     `yaml:"local_ttl"`
	LocalMaxSize int               `yaml:"local_max_size"`
}

// GroupsConfig configures authorization group sync.
type GroupsConfig struct {
	Driver      string               `yaml:"driver"`
	Cognito     groups.CognitoConfig `yaml:"cognito"`
	Concurrency int                  `yaml:"concurrency"`
}

// NotifyConfig configures tenant notifications.
type NotifyConfig struct {
	Driver        string `yaml:"driver"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// QueueConfig configures the SQS consumers. Both are optional.
type QueueConfig struct {
	Events      transport.SQSConfig `yaml:"events"`
	DeadLetters transport.SQSConfig `yaml:"dead_letters"`
}

// AlertsConfig configures dead-letter alerting.
type AlertsConfig struct {
	WebhookURL string            `yaml:"webhook_url"`
	Headers    map[string]string `yaml:"headers"`
	// CloudWatch enables dead-letter metric publication.
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns an in-memory configuration suitable for local runs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsPath:     "/metrics",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    webhook.DefaultMaxBodyBytes,
		},
		AWS: AWSConfig{Region: "us-east-1"},
		Stripe: StripeConfig{
			WebhookSecret: "whsec_local_development",
			Tolerance:     billing.DefaultReplayWindow,
			Plans:         billing.DefaultPlans,
		},
		Store: StoreConfig{
			Driver:      DriverMemory,
			DeadLetters: DriverMemory,
		},
		Cache: CacheConfig{
			LocalTTL:     time.Minute,
			LocalMaxSize: 10000,
		},
		Groups: GroupsConfig{
			Driver:      DriverMemory,
			Concurrency: 8,
		},
		Notify: NotifyConfig{
			Driver:        DriverLog,
			SubjectPrefix: "billing.notifications",
		},
		Retry: webhook.DefaultRetryConfig(),
		Sweeper: scheduler.SweeperConfig{
			Interval:  scheduler.DefaultInterval,
			BatchSize: scheduler.DefaultBatchSize,
		},
		Tracing: tracing.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load parses YAML over Default. ${VAR} and ${VAR:-default} references are
// expanded from the environment before parsing.
func Load(data []byte) (*Config, error) {
	cfg := Default()
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Stripe.Plans) == 0 {
		cfg.Stripe.Plans = billing.DefaultPlans
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads and validates a configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Load(data)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv substitutes ${VAR} references. A reference to an unset variable
// without a default is an error.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		missing = append(missing, m[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(strings.HasPrefix(c.Server.MetricsPath, "/"), "server.metrics_path must start with /")
	check(c.Stripe.WebhookSecret != "", "stripe.webhook_secret is required")
	if _, err := c.PlanTable(); err != nil {
		errs = append(errs, fmt.Errorf("stripe.plans: %w", err))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		check(c.Store.Postgres.URL != "", "store.postgres.url is required for the postgres driver")
	case DriverDynamoDB:
		check(c.Store.DynamoDB.Table != "", "store.dynamodb.table is required for the dynamodb driver")
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, postgres or dynamodb", c.Store.Driver))
	}
	switch c.Store.DeadLetters {
	case DriverMemory:
	case DriverPostgres:
		check(c.Store.Postgres.URL != "", "store.postgres.url is required for postgres dead letters")
	default:
		errs = append(errs, fmt.Errorf("store.dead_letters %q must be memory or postgres", c.Store.DeadLetters))
	}

	switch c.Groups.Driver {
	case DriverMemory:
	case DriverCognito:
		check(c.Groups.Cognito.UserPoolID != "", "groups.cognito.user_pool_id is required for the cognito driver")
	default:
		errs = append(errs, fmt.Errorf("groups.driver %q must be memory or cognito", c.Groups.Driver))
	}

	switch c.Notify.Driver {
	case DriverLog, DriverNATS:
	default:
		errs = append(errs, fmt.Errorf("notify.driver %q must be log or nats", c.Notify.Driver))
	}

	check(c.Retry.MaxRetries >= 0, "retry.max_retries must not be negative")
	check(c.Sweeper.Interval >= 0, "sweeper.interval must not be negative")
	if c.Alerts.WebhookURL != "" {
		check(strings.HasPrefix(c.Alerts.WebhookURL, "http://") || strings.HasPrefix(c.Alerts.WebhookURL, "https://"),
			"alerts.webhook_url must be an http(s) URL")
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Logging.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// PlanTable builds the configured plan table.
func (c *Config) PlanTable() (*billing.PlanTable, error) {
	return billing.NewPlanTable(c.Stripe.Plans)
}

// UsesAWS reports whether any configured component needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.Store.Driver == DriverDynamoDB ||
		c.Groups.Driver == DriverCognito ||
		c.Queue.Events.QueueURL != "" ||
		c.Queue.DeadLetters.QueueURL != "" ||
		c.Alerts.CloudWatch
}

func (l LoggingConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
