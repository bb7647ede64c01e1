// Package observability provides OpenTelemetry tracing for the coreengine.
package observability

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracerConfig describes the traced process and its OTLP collector.
type TracerConfig struct {
	ServiceName string
	// ServiceVersion defaults to the main module version from build info.
	ServiceVersion string
	Environment    string
	Endpoint       string
	// SampleRatio is the fraction of new root traces kept. Child spans
	// follow their parent's decision.
	SampleRatio float64
	Insecure    bool
}

// InitTracer installs a global tracer provider exporting over OTLP gRPC.
// The returned function flushes and stops the provider.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("failed to create trace exporter: endpoint is required")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, trace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg TracerConfig, opts ...trace.TracerProviderOption) (*trace.TracerProvider, error) {
	res, err := tracerResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	return trace.NewTracerProvider(opts...), nil
}

func tracerResource(ctx context.Context, cfg TracerConfig) (*resource.Resource, error) {
	version := cfg.ServiceVersion
	if version == "" {
		version = buildVersion()
	}
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironmentKey.String(cfg.Environment)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// buildVersion is the main module version, or "devel" outside module builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}
