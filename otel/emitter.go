package otel

import (
	"github.com/reflow-labs/reflow"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace
// context. When events are emitted, it looks up the active span from
// the TracingHandler and stamps trace_id and span_id into the event
// payload.
//
// For node-level events (where NodeID is set), the node span is
// checked first. If no node span is found, it falls back to the
// run-level span. When no span is active, the event passes through
// unchanged.
func EnrichEmitter(emit reflow.EventEmitter, tracing *TracingHandler) reflow.EventEmitter {
	return func(e reflow.Event) {
		var stamped bool
		if e.NodeID != "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.NodeID)
			if sc.IsValid() {
				e = e.WithPayload("trace_id", sc.TraceID().String()).
					WithPayload("span_id", sc.SpanID().String())
				stamped = true
			}
		}
		if !stamped && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e = e.WithPayload("trace_id", sc.TraceID().String()).
					WithPayload("span_id", sc.SpanID().String())
			}
		}
		emit(e)
	}
}
