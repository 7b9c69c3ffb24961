package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// NoTraceID is logged for work that runs outside any span, such as process
// startup or a CLI command before its first span opens.
var NoTraceID = trace.TraceID{}.String()

// GetTraceID returns the trace id of the span carried by ctx, or NoTraceID.
// It matches logger.TraceIDFn so every log line and request log entry can be
// joined with the poller and coordinator spans that produced it.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return NoTraceID
	}
	return sc.TraceID().String()
}
