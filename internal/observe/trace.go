package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Vocero tracer.
const tracerName = "github.com/vocero-ai/vocero"

// Tracer returns the package-level [trace.Tracer] for Vocero. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurnSpan opens the per-turn span. The caller sets the "interrupted"
// attribute before ending it, once the turn's outcome is known.
func StartTurnSpan(ctx context.Context, callID, traceID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn",
		trace.WithAttributes(
			attribute.String("call_id", callID),
			attribute.String("trace_id", traceID),
		),
	)
}

// SpanTraceID extracts the OTel trace ID from the span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// Distinct from the per-turn trace_id, which is minted by the pipeline and
// travels on frames.
func SpanTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with span_trace_id and span_id
// from the OTel span context in ctx. When no active span is present, the
// returned logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("span_trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
