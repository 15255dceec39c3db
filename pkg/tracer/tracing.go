// Package tracer wires the process-wide OpenTelemetry pipeline. Spans are
// exported over OTLP/gRPC; when tracing is disabled the default no-op
// provider stays in place and instrumented code costs nothing.
package tracer

import (
	"context"
	"time"

	log "memgov/logger"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName     = "memgov"
	exportTimeout   = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Init sets up the global tracer provider against the given OTLP collector
// endpoint and returns a shutdown func that flushes pending spans.
func Init(ctx context.Context, endpoint string) (func(), error) {
	conn, err := grpc.DialContext(ctx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "dial otlp collector")
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithGRPCConn(conn),
	))
	if err != nil {
		return nil, errors.Wrap(err, "create otlp exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build resource")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(exportTimeout)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	log.Debugf("tracing enabled, exporting to %s", endpoint)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Warnf("tracer shutdown: %v", err)
		}
		_ = conn.Close()
	}, nil
}
