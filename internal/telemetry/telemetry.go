// Package telemetry wires optional OTLP/gRPC tracing for the daemon.
// With no endpoint configured, Setup returns a no-op tracer and nothing
// is dialed; this keeps tracing strictly additive, never a second wire
// protocol clients must speak.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const shutdownTimeout = 5 * time.Second

// Shutdown flushes and stops any exporter Setup started. It is a no-op
// when Setup ran in no-op mode.
type Shutdown func(ctx context.Context) error

// Setup configures the global tracer provider. When endpoint is empty,
// it leaves the global provider as it is (otel's default no-op unless
// something else installed one), returns a tracer from it, and returns a
// Shutdown that does nothing, so every call site can unconditionally
// defer it.
func Setup(ctx context.Context, serviceName, endpoint string) (trace.Tracer, Shutdown, error) {
	if endpoint == "" {
		return otel.Tracer(serviceName), func(context.Context) error { return nil }, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: dial otlp endpoint %s: %w", endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	shutdown := func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	}

	return provider.Tracer(serviceName), shutdown, nil
}
