package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Fableloom tracer.
const tracerName = "github.com/fableloom/fableloom"

// Tracer returns the Fableloom tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the Fableloom tracer. Callers must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurnSpan starts the span covering one turn of the story pipeline.
// The span is named after the action (turn.send, turn.reroll, ...) and
// carries it as an attribute for filtering.
func StartTurnSpan(ctx context.Context, action string) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn."+action,
		trace.WithAttributes(attribute.String("action", action)),
	)
}

// StartCompactionSpan starts the span covering one memory compaction pass.
func StartCompactionSpan(ctx context.Context, level int) (context.Context, trace.Span) {
	return StartSpan(ctx, "compaction",
		trace.WithAttributes(attribute.Int("level", level)),
	)
}

// CorrelationID returns the active trace ID from ctx, or "" when no span
// with a valid trace ID is in flight. It is what the metrics listener
// mirrors into X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default slog logger, annotated with trace_id and
// span_id when ctx carries an active span. Pipeline stages log through this
// so degraded-path warnings can be tied to the turn that produced them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
