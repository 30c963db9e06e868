// Package tracing configures OpenTelemetry export for the service and
// provides the HTTP server middleware.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceNamespace groups the service's spans with the rest of billing.
const ServiceNamespace = "billing"

// Config controls span export. Tracing is off unless Endpoint is set.
type Config struct {
	// Endpoint is an OTLP/HTTP collector as host:port or a full URL.
	Endpoint string            `yaml:"endpoint"`
	URLPath  string            `yaml:"url_path"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
	Insecure bool              `yaml:"insecure"`
	// SampleRate is the ratio of new traces kept. 0 or 1 keeps every trace.
	SampleRate float64 `yaml:"sample_rate"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	// Region is reported as cloud.region. It defaults to the AWS region.
	Region     string            `yaml:"region"`
	Attributes map[string]string `yaml:"attributes"`
}

// Enabled reports whether spans should be exported.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// Validate reports settings the exporter would reject.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v must be between 0 and 1", c.SampleRate))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("tracing.timeout must not be negative"))
	}
	if c.URLPath != "" && !strings.HasPrefix(c.URLPath, "/") {
		errs = append(errs, errors.New("tracing.url_path must start with /"))
	}
	if c.Enabled() && c.ServiceName == "" {
		errs = append(errs, errors.New("tracing.service_name is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a Config with tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName: "subscription-lifecycle",
		Insecure:    true,
		SampleRate:  1.0,
		Timeout:     10 * time.Second,
	}
}

// Provider owns the SDK TracerProvider when tracing is enabled.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider installs an OTLP/HTTP TracerProvider as the global provider.
// With tracing disabled the global no-op provider is left in place and
// Shutdown does nothing. Export errors are logged rather than dropped.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if !cfg.Enabled() {
		return &Provider{tracer: otel.GetTracerProvider().Tracer(cfg.ServiceName)}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log := logger.With("component", "tracing")
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warn("span export failed", "endpoint", cfg.Endpoint, "error", err)
	}))
	log.Info("exporting spans", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

func exporterOptions(cfg Config) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// resourceAttributes describes this process. Extra attributes are sorted by
// key and cannot override the service identity.
func resourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceNamespace(ServiceNamespace),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if cfg.Region != "" {
		attrs = append(attrs, semconv.CloudProviderAWS, semconv.CloudRegion(cfg.Region))
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Attributes)) {
		if strings.HasPrefix(k, "service.") {
			continue
		}
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	return attrs
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TracerProvider returns the SDK provider, nil when disabled.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
