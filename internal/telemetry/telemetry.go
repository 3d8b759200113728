// Package telemetry wires OpenTelemetry tracing and metrics the way the
// rest of the pack does it: OTLP-over-gRPC exporters, resource attribution
// by service name, graceful flush on shutdown.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// ShutdownFunc flushes and tears down an exporter.
type ShutdownFunc func(context.Context) error

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
// Failure to reach a collector degrades to a no-op shutdown rather than
// blocking startup.
func InitTracer(ctx context.Context, service string) ShutdownFunc {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel tracer init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// InitMetrics configures a global meter provider with an OTLP gRPC exporter.
func InitMetrics(ctx context.Context, service string) ShutdownFunc {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel metrics init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)))
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown
}

// Flush bounds a shutdown call with a fixed grace period.
func Flush(ctx context.Context, fn ShutdownFunc) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = fn(ctx)
}

// Meter is a small convenience wrapper so call sites don't repeat the
// "swarm-go"-style fixed meter name.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter("agx")
}
