// Package observability wires OpenTelemetry tracing and metrics for the
// integrity core: RED metrics per operation plus a few domain counters.
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

const instrumentationName = "helm.integrity"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // gRPC, e.g. "localhost:4317"
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-integrity",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the instruments built on
// them. A disabled Provider still hands out working no-op tracers and meters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	ledgerAppends   metric.Int64Counter
	haltTransitions metric.Int64Counter
	sweepTasks      metric.Int64Counter
}

// New creates a provider exporting over OTLP/gRPC when enabled.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("helm.component", "integrity"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, config, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	mp, err := newMeterProvider(ctx, config, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := p.attach(tp, mp); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a Provider on caller-supplied SDK providers without
// touching the globals. Tests use it with in-memory readers.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.attach(tp, mp); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) attach(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) error {
	p.tracerProvider = tp
	p.meterProvider = mp
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	return nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sampler),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	), nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.requestCounter, err = p.meter.Int64Counter("integrity.operations.total",
		metric.WithDescription("Total number of integrity operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("integrity.errors.total",
		metric.WithDescription("Total number of failed integrity operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("integrity.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("integrity.operations.active",
		metric.WithDescription("Number of in-flight integrity operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.ledgerAppends, err = p.meter.Int64Counter("integrity.ledger.appends",
		metric.WithDescription("Events appended to the ledger"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.haltTransitions, err = p.meter.Int64Counter("integrity.halt.transitions",
		metric.WithDescription("Halt, clear and cessation state changes"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return err
	}
	p.sweepTasks, err = p.meter.Int64Counter("integrity.sweep.tasks",
		metric.WithDescription("Tasks resolved by halt sweeps, by outcome"),
		metric.WithUnit("{task}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackOperation starts a span and the RED instruments for name. Call the
// returned function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, AttrOperation.String(name))

	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, set)
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, set)
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		span.End()
	}
}

func (p *Provider) RecordAppend(ctx context.Context, eventType string) {
	if p.ledgerAppends != nil {
		p.ledgerAppends.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
	}
}

func (p *Provider) RecordHaltTransition(ctx context.Context, to string) {
	if p.haltTransitions != nil {
		p.haltTransitions.Add(ctx, 1, metric.WithAttributes(AttrSystemStatus.String(to)))
	}
}

func (p *Provider) RecordSweep(ctx context.Context, kind string, n int) {
	if p.sweepTasks != nil && n > 0 {
		p.sweepTasks.Add(ctx, int64(n), metric.WithAttributes(AttrTransitionKind.String(kind)))
	}
}
