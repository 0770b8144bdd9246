package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/seesay"

type cycleKey struct{}

// Tracer returns the seesay [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithCycle returns a context carrying the capture cycle ID. Loggers obtained
// through [Logger] include it as "cycle_id".
func WithCycle(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleKey{}, cycleID)
}

// CycleID returns the capture cycle ID stored by [WithCycle], or "".
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}

// CorrelationID extracts the trace ID from the span context in ctx. Returns
// the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with the cycle ID and the trace and
// span IDs found in ctx. Without either, it is the default logger.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := CycleID(ctx); id != "" {
		l = l.With(slog.String("cycle_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
