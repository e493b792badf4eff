package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const instrumentationName = "github.com/yairfalse/itamrec"

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP gRPC endpoint, empty disables push export
	Insecure       bool
	TracesEnabled  bool
	SampleRate     float64
}

// Providers holds the initialized telemetry pipeline
type Providers struct {
	// Registry is scraped by the metrics endpoint
	Registry *promclient.Registry
	Meter    metric.Meter
	Tracer   trace.Tracer

	shutdowns []func(context.Context) error
}

// Init builds the meter provider (Prometheus pull plus optional OTLP push)
// and, when traces are enabled with an endpoint, an OTLP tracer provider.
// Both are installed as OTEL globals.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "itamrec"
	}

	res, err := createOTELResource(cfg)
	if err != nil {
		return nil, err
	}

	p := &Providers{}

	if err := p.setupMetricProvider(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if err := p.setupTraceProvider(ctx, cfg, res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to setup traces: %w", err)
	}

	return p, nil
}

// Shutdown flushes and stops every provider
func (p *Providers) Shutdown(ctx context.Context) error {
	var err error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if e := p.shutdowns[i](ctx); e != nil && err == nil {
			err = fmt.Errorf("telemetry shutdown failed: %w", e)
		}
	}
	p.shutdowns = nil
	return err
}

// createOTELResource creates the OTEL resource with service information
func createOTELResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// setupTraceProvider configures the trace provider with an OTLP exporter
func (p *Providers) setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	if !cfg.TracesEnabled || cfg.Endpoint == "" {
		p.Tracer = otel.Tracer(instrumentationName)
		return nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p.Tracer = provider.Tracer(instrumentationName)
	p.shutdowns = append(p.shutdowns, provider.Shutdown)
	return nil
}

// setupMetricProvider configures dual export: Prometheus for scraping plus
// OTLP push when an endpoint is configured
func (p *Providers) setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	registry := promclient.NewRegistry()

	prometheusExporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(prometheusExporter),
	}

	if cfg.Endpoint != "" {
		otlpReader, err := createOTLPReader(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metric reader: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(otlpReader))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)

	p.Registry = registry
	p.Meter = provider.Meter(instrumentationName)
	p.shutdowns = append(p.shutdowns, provider.Shutdown)
	return nil
}

// createOTLPReader creates an OTLP periodic reader for push-based export
func createOTLPReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(10*time.Second),
	), nil
}
