// Package observability wires OpenTelemetry tracing and metrics for
// the pipeline and the API surface.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers. An empty
// OTLPEndpoint disables export; the provider then records nothing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
}

// Provider owns the trace and metric providers plus the pipeline's
// instruments. The zero value (and a disabled provider) is safe to
// call; every recording method is a no-op without instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	requestDuration   metric.Float64Histogram
	transitionCounter metric.Int64Counter
	stageDuration     metric.Float64Histogram
	sweepCounter      metric.Int64Counter
}

// New builds a provider. With an empty OTLP endpoint it returns a
// disabled provider and no error.
func New(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "observability disabled, no OTLP endpoint")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("pkgport",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := otel.Meter("pkgport",
		metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	p.requestCounter, err = meter.Int64Counter("pkgport.http.requests.total",
		metric.WithDescription("HTTP requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = meter.Int64Counter("pkgport.http.errors.total",
		metric.WithDescription("HTTP requests answered with an error status"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.requestDuration, err = meter.Float64Histogram("pkgport.http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0))
	if err != nil {
		return err
	}
	p.transitionCounter, err = meter.Int64Counter("pkgport.pipeline.transitions.total",
		metric.WithDescription("Package status transitions committed, by stage and outcome"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return err
	}
	p.stageDuration, err = meter.Float64Histogram("pkgport.pipeline.stage.duration",
		metric.WithDescription("Per-package stage processing time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0))
	if err != nil {
		return err
	}
	p.sweepCounter, err = meter.Int64Counter("pkgport.supervisor.recovered.total",
		metric.WithDescription("Stuck packages recovered by the supervisor"),
		metric.WithUnit("{package}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartSpan opens a span when tracing is enabled; otherwise it
// returns the context with a no-op span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// RecordRequest counts one handled HTTP request.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, elapsed time.Duration) {
	if p == nil || p.requestCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status))
	p.requestCounter.Add(ctx, 1, attrs)
	p.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if status >= 500 {
		p.errorCounter.Add(ctx, 1, attrs)
	}
}

// RecordTransition counts one committed stage transition.
func (p *Provider) RecordTransition(ctx context.Context, stage, outcome string, elapsed time.Duration) {
	if p == nil || p.transitionCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome))
	p.transitionCounter.Add(ctx, 1, attrs)
	p.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordSweep counts packages recovered from a stuck in-flight state.
func (p *Provider) RecordSweep(ctx context.Context, state string, count int) {
	if p == nil || p.sweepCounter == nil || count == 0 {
		return
	}
	p.sweepCounter.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("state", state)))
}
