// Package otel provides OpenTelemetry integration for engine events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reflow-labs/reflow"
)

// TracingHandler translates engine events into OpenTelemetry spans.
// It maintains maps of active run and node spans, creating and ending
// them based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	nodeSpans map[string]trace.Span      // runID:nodeID -> span
}

// NewTracingHandler creates a TracingHandler that uses the given
// tracer to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans
// accordingly. It implements reflow.EventHandler semantics.
func (h *TracingHandler) Handle(e reflow.Event) {
	switch e.Kind {
	case reflow.EventRunStarted:
		h.handleRunStarted(e)
	case reflow.EventNodeStarted:
		h.handleNodeStarted(e)
	case reflow.EventNodeFinished:
		h.handleNodeFinished(e)
	case reflow.EventNodeFailed:
		h.handleNodeFailed(e)
	case reflow.EventNodeSkipped:
		h.handleRunEvent(e)
	case reflow.EventAdaptationStarted, reflow.EventAdaptationSucceeded, reflow.EventAdaptationFailed:
		h.handleRunEvent(e)
	case reflow.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e reflow.Event) {
	workflowID := ""
	if v, ok := e.Payload["workflow"]; ok {
		if s, ok := v.(string); ok {
			workflowID = s
		}
	}

	spanName := "run:" + e.RunID
	if workflowID != "" {
		spanName = "run:" + workflowID
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("reflow.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	if workflowID != "" {
		span.SetAttributes(attribute.String("reflow.workflow", workflowID))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleNodeStarted creates a child span under the run span.
func (h *TracingHandler) handleNodeStarted(e reflow.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("reflow.run_id", e.RunID),
			attribute.String("reflow.node_id", e.NodeID),
			attribute.String("reflow.node_kind", string(e.NodeKind)),
		),
		trace.WithTimestamp(e.Time),
	)

	key := e.RunID + ":" + e.NodeID
	h.mu.Lock()
	h.nodeSpans[key] = span
	h.mu.Unlock()
}

// handleNodeFinished ends the node span with success status.
func (h *TracingHandler) handleNodeFinished(e reflow.Event) {
	key := e.RunID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// handleNodeFailed ends the node span with error status. Admission
// failures happen before the node span exists; those surface on the
// run span instead.
func (h *TracingHandler) handleNodeFailed(e reflow.Event) {
	key := e.RunID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()

	errMsg := "unknown error"
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			errMsg = s
		}
	}

	if !ok {
		h.handleRunEvent(e)
		return
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleRunEvent attaches a span event to the run span for events
// with no node span of their own: skips, adaptations, admission
// failures.
func (h *TracingHandler) handleRunEvent(e reflow.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("reflow.event_kind", string(e.Kind)),
	}
	if e.NodeID != "" {
		attrs = append(attrs, attribute.String("reflow.node_id", e.NodeID))
	}
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			attrs = append(attrs, attribute.String("reflow.error", s))
		}
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunFinished ends the root run span.
func (h *TracingHandler) handleRunFinished(e reflow.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if ok {
		success := false
		if v, found := e.Payload["success"]; found {
			if b, ok := v.(bool); ok {
				success = b
			}
		}

		span.SetAttributes(
			attribute.String("reflow.duration", e.Elapsed.String()),
			attribute.Bool("reflow.success", success),
		)

		if success {
			span.SetStatus(codes.Ok, "")
		} else {
			errMsg := "run failed"
			if msg, found := e.Payload["error"]; found {
				if s, ok := msg.(string); ok {
					errMsg = s
				}
			}
			span.SetStatus(codes.Error, errMsg)
		}

		span.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveSpanContext returns the SpanContext for the active node span
// identified by runID and nodeID. Returns an empty SpanContext if not
// found.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	key := runID + ":" + nodeID

	h.mu.RLock()
	span, ok := h.nodeSpans[key]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run
// span identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
