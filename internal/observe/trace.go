package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the contextengine tracer.
const tracerName = "github.com/MrWong99/contextengine"

// Span names and attribute keys shared by the pipeline and the MCP server.
const (
	SpanTranscribe = "listener.transcribe"
	spanToolPrefix = "mcp.tool "

	AttrUtteranceSeconds = "utterance.seconds"
	AttrUtteranceFrames  = "utterance.frames"
	AttrSessionID        = "session.id"
	AttrTool             = "tool"
)

// Tracer returns the contextengine [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartUtteranceSpan opens the span covering one engine call for an utterance
// of length d made of frames frames. An empty sessionID is not recorded.
func StartUtteranceSpan(ctx context.Context, sessionID string, d time.Duration, frames int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.Float64(AttrUtteranceSeconds, d.Seconds()),
		attribute.Int(AttrUtteranceFrames, frames),
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	return StartSpan(ctx, SpanTranscribe, trace.WithAttributes(attrs...))
}

// StartToolSpan opens the server span for one MCP tool invocation.
func StartToolSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return StartSpan(ctx, spanToolPrefix+tool,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(Attr(AttrTool, tool)),
	)
}

// Fail records err on span and marks it failed with desc. An empty desc uses
// the error text.
func Fail(span trace.Span, err error, desc string) {
	if desc == "" {
		desc = err.Error()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns [slog.Default] enriched with trace_id and span_id when ctx
// carries a span.
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
