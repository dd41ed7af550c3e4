package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reflow-labs/reflow"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures,
// adaptations, and run durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	adaptations    metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given
// meter to create instruments for recording engine metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("reflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("reflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	adaptations, err := meter.Int64Counter("reflow.adaptations",
		metric.WithDescription("Number of port adaptation attempts"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("reflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("reflow.run.duration",
		metric.WithDescription("Duration of workflow run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		adaptations:    adaptations,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
	}, nil
}

// Handle processes an engine event and records the appropriate
// metrics. It implements reflow.EventHandler semantics.
func (h *MetricsHandler) Handle(e reflow.Event) {
	switch e.Kind {
	case reflow.EventNodeFinished:
		h.handleNodeFinished(e)
	case reflow.EventNodeFailed:
		h.handleNodeFailed(e)
	case reflow.EventAdaptationSucceeded:
		h.handleAdaptation(e, "succeeded")
	case reflow.EventAdaptationFailed:
		h.handleAdaptation(e, "failed")
	case reflow.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleNodeFinished increments the execution counter and records
// duration.
func (h *MetricsHandler) handleNodeFinished(e reflow.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_kind", string(e.NodeKind)),
		attribute.String("node_id", e.NodeID),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleNodeFailed increments the failure counter.
func (h *MetricsHandler) handleNodeFailed(e reflow.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_kind", string(e.NodeKind)),
		attribute.String("node_id", e.NodeID),
	)
	h.nodeFailures.Add(ctx, 1, attrs)
}

// handleAdaptation counts adaptation outcomes by result.
func (h *MetricsHandler) handleAdaptation(e reflow.Event, result string) {
	h.adaptations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node_id", e.NodeID),
		attribute.String("result", result),
	))
}

// handleRunFinished records the workflow run duration.
func (h *MetricsHandler) handleRunFinished(e reflow.Event) {
	h.runDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("run_id", e.RunID),
	))
}
