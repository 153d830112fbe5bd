// Package otelexport publishes region snapshots as OpenTelemetry spans over
// OTLP/HTTP.
package otelexport

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/talp-registry/internal/config"
	"github.com/mrzor/talp-registry/internal/registry"
)

// InitProvider initializes the OpenTelemetry tracer provider against the
// configured OTLP endpoint. Uses OTLP/HTTP; the client honors HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY through Go's standard net/http transport.
func InitProvider(cfg *config.OTELConfig) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.GetEndpoint()),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	resourceAttrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any
// remaining spans.
func ShutdownProvider(tp *sdktrace.TracerProvider, ctx context.Context) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// ExportSnapshot emits one parent span for the snapshot and one child span
// per region, carrying the region fields as attributes.
func ExportSnapshot(ctx context.Context, tracer trace.Tracer, regions []registry.RegionSnapshot) {
	ctx, parent := tracer.Start(ctx, "talp.snapshot",
		trace.WithAttributes(attribute.Int("talp.regions", len(regions))))
	defer parent.End()

	for _, r := range regions {
		_, span := tracer.Start(ctx, "talp.region",
			trace.WithAttributes(
				attribute.String("talp.region.name", r.Name),
				attribute.Int("talp.region.id", r.RegionID),
				attribute.Int("talp.region.pid", int(r.PID)),
				attribute.Int64("talp.region.mpi_time", r.MPITime),
				attribute.Int64("talp.region.useful_time", r.UsefulTime),
				attribute.Float64("talp.region.avg_cpus", float64(r.AvgCPUs)),
			))
		span.End()
	}
}
