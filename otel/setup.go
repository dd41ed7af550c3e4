package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SetupConfig configures the OTLP trace export.
type SetupConfig struct {
	// Endpoint is the OTLP HTTP collector endpoint (host:port). Empty
	// uses the exporter's default resolution (OTEL_EXPORTER_OTLP_*
	// environment variables, then localhost:4318).
	Endpoint string

	// ServiceName identifies this process in the exported traces.
	// Defaults to "reflow".
	ServiceName string

	// Insecure disables TLS toward the collector.
	Insecure bool
}

// Setup installs a tracer provider backed by an OTLP HTTP exporter as
// the global provider and returns a shutdown function that flushes
// pending spans.
func Setup(ctx context.Context, cfg SetupConfig) (func(context.Context) error, error) {
	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "reflow"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
