// Package tracing provides shared OTel tracer initialization for the
// supervisor.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set.
// Without it a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "agentmux"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

const supervisorTracerName = "agentmux-supervisor"

func supervisorTracer() trace.Tracer {
	return Tracer(supervisorTracerName)
}

// TraceSpawn creates a span covering an agent process spawn.
func TraceSpawn(ctx context.Context, sessionID, family string, resume bool) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "session.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("agent_family", family),
		attribute.Bool("resume", resume),
	)
	return ctx, span
}

// TraceApproval creates a span covering an approval round-trip, from the
// agent's request until the operator answer or timeout resolves it.
func TraceApproval(ctx context.Context, sessionID, questionID, kind string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "session.approval",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("question_id", questionID),
		attribute.String("question_kind", kind),
	)
	return ctx, span
}

// TraceTurn creates a span marking a turn boundary for a session.
func TraceTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "session.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// TraceTurnResult records the outcome of a completed turn on a span.
func TraceTurnResult(span trace.Span, status string, numTurns int, costUSD float64) {
	span.SetAttributes(
		attribute.String("turn_status", status),
		attribute.Int("num_turns", numTurns),
		attribute.Float64("cost_usd", costUSD),
	)
}
