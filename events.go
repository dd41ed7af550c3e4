package reflow

import (
	"time"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when a workflow run begins.
	EventRunStarted EventKind = "run_started"

	// EventRunFinished is emitted when a workflow run completes.
	EventRunFinished EventKind = "run_finished"

	// EventNodeReady is emitted when gating admits a node.
	EventNodeReady EventKind = "node_ready"

	// EventNodeStarted is emitted when a node's effector begins.
	EventNodeStarted EventKind = "node_started"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node_finished"

	// EventNodeFailed is emitted when a node's effector errors out.
	EventNodeFailed EventKind = "node_failed"

	// EventNodeSkipped is emitted when every incoming edge of a node
	// evaluated inactive.
	EventNodeSkipped EventKind = "node_skipped"

	// EventEdgeEvaluated is emitted after an edge condition is
	// evaluated, with the outcome in the payload.
	EventEdgeEvaluated EventKind = "edge_evaluated"

	// EventBindingsApplied is emitted after an edge's bindings are
	// copied into the context.
	EventBindingsApplied EventKind = "bindings_applied"

	// EventAdaptationStarted is emitted when the port adapter is
	// consulted for missing bindings.
	EventAdaptationStarted EventKind = "adaptation_started"

	// EventAdaptationSucceeded is emitted when adapter bindings
	// validated and were applied.
	EventAdaptationSucceeded EventKind = "adaptation_succeeded"

	// EventAdaptationFailed is emitted when the adapter gave up.
	EventAdaptationFailed EventKind = "adaptation_failed"

	// EventIntentDetected is emitted by the orchestrator after intent
	// detection.
	EventIntentDetected EventKind = "intent_detected"

	// EventWorkflowRouted is emitted by the orchestrator after
	// workflow selection.
	EventWorkflowRouted EventKind = "workflow_routed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a
// run. Events stay small; bulky data belongs in the observability
// report, not in payloads.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// NodeID is the workflow-local node id (empty for run-level
	// events).
	NodeID string

	// NodeKind is the effector kind (empty for run-level events).
	NodeKind NodeKind

	// EdgeID is set on edge-level events.
	EdgeID string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeKind NodeKind) Event {
	e.NodeID = nodeID
	e.NodeKind = nodeKind
	return e
}

// WithEdge sets the edge id on the event.
func (e Event) WithEdge(edgeID string) Event {
	e.EdgeID = edgeID
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventHandler receives events during execution; it must not block.
type EventHandler func(Event)
