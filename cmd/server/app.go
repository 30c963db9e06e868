package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/cache"
	"github.com/GoCodeAlone/subscription-lifecycle/config"
	"github.com/GoCodeAlone/subscription-lifecycle/deadletter"
	"github.com/GoCodeAlone/subscription-lifecycle/groups"
	"github.com/GoCodeAlone/subscription-lifecycle/lifecycle"
	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
	"github.com/GoCodeAlone/subscription-lifecycle/notify"
	"github.com/GoCodeAlone/subscription-lifecycle/observability/tracing"
	"github.com/GoCodeAlone/subscription-lifecycle/scheduler"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
	"github.com/GoCodeAlone/subscription-lifecycle/transport"
	"github.com/GoCodeAlone/subscription-lifecycle/webhook"
)

// startStopper is a background component run for the process lifetime.
type startStopper interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// app holds the wired service.
type app struct {
	logger     *slog.Logger
	handler    http.Handler
	processor  *lifecycle.Processor
	directory  store.TenantDirectory
	deadLetter store.DeadLetterStore
	analyzer   *deadletter.Analyzer
	sweeper    *scheduler.PeriodEndSweeper
	metrics    *metrics.Collector
	background []startStopper
	closers    []func()
}

// awsClients are built lazily from one shared AWS config.
type awsClients struct {
	cfg      aws.Config
	endpoint string
}

func loadAWS(ctx context.Context, c config.AWSConfig) (*awsClients, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.Endpoint != "" {
		// Local emulators accept any static credentials.
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsClients{cfg: cfg, endpoint: c.Endpoint}, nil
}

func (a *awsClients) baseEndpoint() *string {
	if a.endpoint == "" {
		return nil
	}
	return aws.String(a.endpoint)
}

func (a *awsClients) dynamodb() *dynamodb.Client {
	return dynamodb.NewFromConfig(a.cfg, func(o *dynamodb.Options) { o.BaseEndpoint = a.baseEndpoint() })
}

func (a *awsClients) sqs() *sqs.Client {
	return sqs.NewFromConfig(a.cfg, func(o *sqs.Options) { o.BaseEndpoint = a.baseEndpoint() })
}

func (a *awsClients) cloudwatch() *cloudwatch.Client {
	return cloudwatch.NewFromConfig(a.cfg, func(o *cloudwatch.Options) { o.BaseEndpoint = a.baseEndpoint() })
}

func (a *awsClients) cognito() *cip.Client {
	return cip.NewFromConfig(a.cfg, func(o *cip.Options) { o.BaseEndpoint = a.baseEndpoint() })
}

// build wires every component from cfg. Nothing is started.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	plans, err := cfg.PlanTable()
	if err != nil {
		return nil, err
	}

	tc := cfg.Tracing
	if tc.Region == "" && cfg.UsesAWS() {
		tc.Region = cfg.AWS.Region
	}
	tp, err := tracing.NewProvider(ctx, tc, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = tp.Shutdown(context.Background()) })

	a.metrics = metrics.NewWithConfig(metrics.Config{Namespace: "billing", MetricsPath: cfg.Server.MetricsPath})

	var awsc *awsClients
	if cfg.UsesAWS() {
		if awsc, err = loadAWS(ctx, cfg.AWS); err != nil {
			return nil, err
		}
	}

	var pool *pgxpool.Pool
	if cfg.Store.Driver == config.DriverPostgres || cfg.Store.DeadLetters == config.DriverPostgres {
		if pool, err = store.NewPGPool(ctx, cfg.Store.Postgres); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
	}

	// Tenant directory.
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if a.directory, err = store.NewPGDirectory(ctx, pool); err != nil {
			return nil, err
		}
	case config.DriverDynamoDB:
		a.directory = store.NewDynamoDirectory(awsc.dynamodb(), cfg.Store.DynamoDB)
	default:
		a.directory = store.NewMemoryDirectory()
	}

	// Dead-letter store.
	if cfg.Store.DeadLetters == config.DriverPostgres {
		if a.deadLetter, err = store.NewPGDeadLetterStore(ctx, pool); err != nil {
			return nil, err
		}
	} else {
		a.deadLetter = store.NewInMemoryDeadLetterStore()
	}

	// Customer index cache.
	var redisCache *cache.RedisTenantCache
	if cfg.Cache.Redis.Address != "" {
		if redisCache, err = cache.NewRedisTenantCache(ctx, cfg.Cache.Redis); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = redisCache.Close() })
	}
	local := cache.NewLocalCache(cache.LocalConfig{MaxSize: cfg.Cache.LocalMaxSize, TTL: cfg.Cache.LocalTTL})
	resolver := cache.NewCachedResolver(a.directory, redisCache, local, logger)

	// Notifications.
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.Notify.Driver == config.DriverNATS {
		nc, err := notify.DialNATS(cfg.Notify.NATSURL, "subscription-lifecycle")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.Notify.SubjectPrefix))
	}
	notifier := notify.NewNotifier(logger, a.metrics, sinks...)

	// Authorization groups.
	var groupStore groups.Store
	if cfg.Groups.Driver == config.DriverCognito {
		groupStore = groups.NewCognitoStore(awsc.cognito(), cfg.Groups.Cognito)
	} else {
		groupStore = groups.NewMemoryStore()
	}
	syncer := groups.NewSynchronizer(groupStore, plans,
		groups.WithRefresher(notifier),
		groups.WithConcurrency(cfg.Groups.Concurrency),
		groups.WithLogger(logger),
		groups.WithMetrics(a.metrics),
	)

	a.processor = lifecycle.NewProcessor(a.directory, billing.NewEngine(plans),
		lifecycle.WithResolver(resolver),
		lifecycle.WithGroups(syncer),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithMetrics(a.metrics),
		lifecycle.WithLogger(logger),
		lifecycle.WithTracer(tp.Tracer()),
	)

	// Dead-letter triage.
	alerter := deadletter.MultiAlerter{deadletter.NewLogAlerter(logger)}
	if cfg.Alerts.WebhookURL != "" {
		rm := webhook.NewRetryManager(cfg.Retry, func(d *webhook.Delivery, err error) {
			logger.Error("alert delivery exhausted", "delivery_id", d.ID, "attempts", d.Attempts, "error", err)
		})
		rm.SetClient(&http.Client{Timeout: cfg.Retry.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)})
		alerter = append(alerter, deadletter.NewWebhookAlerter(cfg.Alerts.WebhookURL, rm, cfg.Alerts.Headers))
	}
	analyzerOpts := []deadletter.Option{
		deadletter.WithAlerter(alerter),
		deadletter.WithMetrics(a.metrics),
		deadletter.WithLogger(logger),
	}
	if cfg.Alerts.CloudWatch {
		analyzerOpts = append(analyzerOpts, deadletter.WithPublisher(deadletter.NewCloudWatchPublisher(awsc.cloudwatch(), cfg.Alerts.Namespace)))
	}
	a.analyzer = deadletter.NewAnalyzer(a.deadLetter, analyzerOpts...)

	// Webhook failures go to the dead-letter queue when one is configured so
	// the analyzer sees every failure through one path.
	var sink store.DeadLetterSink = a.analyzer
	var sqsClient *sqs.Client
	if cfg.Queue.Events.QueueURL != "" || cfg.Queue.DeadLetters.QueueURL != "" {
		sqsClient = awsc.sqs()
	}
	if cfg.Queue.DeadLetters.QueueURL != "" {
		if sink, err = transport.NewSQSDeadLetterSink(sqsClient, cfg.Queue.DeadLetters.QueueURL); err != nil {
			return nil, err
		}
	}

	ingress := webhook.NewHandler(
		billing.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance),
		a.processor,
		sink,
		webhook.WithRetryRunner(webhook.NewRetryRunner(cfg.Retry, lifecycle.IsRetryable)),
		webhook.WithLogger(logger),
		webhook.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)

	// Queue consumers.
	if cfg.Queue.Events.QueueURL != "" {
		events := cfg.Queue.Events
		if events.Name == "" {
			events.Name = "events"
		}
		c, err := transport.NewSQSConsumer(events, sqsClient, transport.EventHandler(a.processor, logger), logger, a.metrics)
		if err != nil {
			return nil, err
		}
		a.background = append(a.background, c)
	}
	if cfg.Queue.DeadLetters.QueueURL != "" {
		dlq := cfg.Queue.DeadLetters
		if dlq.Name == "" {
			dlq.Name = "dead-letters"
		}
		c, err := transport.NewSQSConsumer(dlq, sqsClient, a.analyzer.Handler(), logger, a.metrics)
		if err != nil {
			return nil, err
		}
		a.background = append(a.background, c)
	}

	a.sweeper = scheduler.NewPeriodEndSweeper(a.directory, a.processor, cfg.Sweeper, a.metrics, logger)
	a.background = append(a.background, a.sweeper)

	mux := http.NewServeMux()
	ingress.RegisterRoutes(mux)
	store.NewDeadLetterHandler(a.deadLetter, logger).RegisterRoutes(mux)
	scheduler.NewHandler(a.sweeper).RegisterRoutes(mux)
	mux.Handle("GET "+a.metrics.MetricsPath(), a.metrics.Handler())
	mux.HandleFunc("GET /healthz", a.healthz)
	a.handler = tracing.SpanMiddleware(mux, a.metrics)

	built = true
	return a, nil
}

type healthChecker interface {
	Healthy() bool
}

func (a *app) healthz(w http.ResponseWriter, _ *http.Request) {
	for _, b := range a.background {
		if h, ok := b.(healthChecker); ok && !h.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded"))
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

// start launches background components. On failure the ones already started
// are stopped.
func (a *app) start(ctx context.Context) error {
	for i, b := range a.background {
		if err := b.Start(ctx); err != nil {
			for _, started := range a.background[:i] {
				_ = started.Stop(context.Background())
			}
			return fmt.Errorf("start background component: %w", err)
		}
	}
	return nil
}

// stop halts background components in reverse start order.
func (a *app) stop(ctx context.Context) {
	for i := len(a.background) - 1; i >= 0; i-- {
		if err := a.background[i].Stop(ctx); err != nil {
			a.logger.Error("background component stop error", "error", err)
		}
	}
}

// close releases connections in reverse acquisition order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
