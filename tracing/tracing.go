// Package tracing wires OpenTelemetry tracing for the broker session and
// its dispatchers: one span per consumed delivery, one per publish, with
// trace context carried through AMQP headers.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the package-level tracer used by dispatchers and publishers.
var Tracer = otel.Tracer("legend-saga-go")

// Init configures a gRPC OTLP exporter and registers it as the global
// tracer provider and W3C trace-context propagator. The returned shutdown
// func must be called on process exit.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = provider.Tracer(serviceName)

	return provider.Shutdown, nil
}

// StartConsumerSpan starts a span for handling one delivery from queue,
// with the trace context extracted from the delivery's headers.
func StartConsumerSpan(ctx context.Context, queue string, carrier propagation.TextMapCarrier) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	return Tracer.Start(ctx, fmt.Sprintf("AMQP receive %s", queue), trace.WithSpanKind(trace.SpanKindConsumer))
}

// StartPublisherSpan starts a span for one publish to exchange, injecting
// the resulting trace context into carrier.
func StartPublisherSpan(ctx context.Context, exchange string, carrier propagation.TextMapCarrier) (context.Context, trace.Span) {
	ctx, span := Tracer.Start(ctx, fmt.Sprintf("AMQP publish %s", exchange), trace.WithSpanKind(trace.SpanKindProducer))
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return ctx, span
}
