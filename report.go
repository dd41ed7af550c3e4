package reflow

import (
	"reflect"
	"sort"
	"time"
)

// NodeState is the lifecycle state of a node within a run.
type NodeState string

const (
	StatePending   NodeState = "PENDING"
	StateReady     NodeState = "READY"
	StateRunning   NodeState = "RUNNING"
	StateCompleted NodeState = "COMPLETED"
	StateSkipped   NodeState = "SKIPPED"
	StateFailed    NodeState = "FAILED"
)

// ContextDiff records how one node's execution changed the context.
// Keys are top-level context keys; values are deep copies taken at
// snapshot time.
type ContextDiff struct {
	Added    map[string]any           `json:"added,omitempty"`
	Modified map[string]ContextChange `json:"modified,omitempty"`
	Removed  map[string]any           `json:"removed,omitempty"`
}

// ContextChange pairs the before and after values of a modified key.
type ContextChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// DiffSnapshots compares two context snapshots by top-level key.
func DiffSnapshots(before, after map[string]any) ContextDiff {
	diff := ContextDiff{
		Added:    map[string]any{},
		Modified: map[string]ContextChange{},
		Removed:  map[string]any{},
	}
	for k, afterVal := range after {
		beforeVal, existed := before[k]
		switch {
		case !existed:
			diff.Added[k] = afterVal
		case !reflect.DeepEqual(beforeVal, afterVal):
			diff.Modified[k] = ContextChange{Before: beforeVal, After: afterVal}
		}
	}
	for k, beforeVal := range before {
		if _, exists := after[k]; !exists {
			diff.Removed[k] = beforeVal
		}
	}
	return diff
}

// Empty reports whether the diff records no changes.
func (d ContextDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// NodeReport captures one node's execution within a run.
type NodeReport struct {
	NodeID    string        `json:"node_id"`
	NodeKind  NodeKind      `json:"node_kind"`
	State     NodeState     `json:"state"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Usage     *TokenUsage   `json:"usage,omitempty"`
	Diff      ContextDiff   `json:"context_diff,omitempty"`
}

// EdgeReport captures one edge's evaluation within a run.
type EdgeReport struct {
	EdgeID          string            `json:"edge_id"`
	SourceNodeID    string            `json:"source_node_id"`
	TargetNodeID    string            `json:"target_node_id"`
	ConditionResult *bool             `json:"condition_result,omitempty"`
	AppliedBindings map[string]string `json:"applied_bindings,omitempty"`
}

// AdaptationReport captures one port-adapter consultation.
type AdaptationReport struct {
	NodeID           string            `json:"node_id"`
	MissingInputs    []string          `json:"missing_inputs"`
	ProposedBindings map[string]string `json:"proposed_bindings,omitempty"`
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
}

// ReportAggregates summarizes a run for dashboards and logs.
type ReportAggregates struct {
	TotalNodes      int           `json:"total_nodes"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	FastestNode     time.Duration `json:"fastest_node,omitempty"`
	SlowestNode     time.Duration `json:"slowest_node,omitempty"`
	MedianNodeTime  time.Duration `json:"median_node_time,omitempty"`
	AverageNodeTime time.Duration `json:"average_node_time,omitempty"`
	EdgeEvaluations int           `json:"edge_evaluations"`
	Adaptations     int           `json:"adaptations"`
	TotalUsage      TokenUsage    `json:"total_usage,omitempty"`
}

// WorkflowObservabilityReport is the per-run artifact returned by the
// executor: node timings and diffs, edge evaluations, adaptation
// attempts, and aggregate metrics.
type WorkflowObservabilityReport struct {
	RunID       string             `json:"run_id"`
	WorkflowID  string             `json:"workflow_id"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at,omitempty"`
	Success     bool               `json:"success"`
	Error       string             `json:"error,omitempty"`
	ErrorCode   ErrorCode          `json:"error_code,omitempty"`
	Nodes       []NodeReport       `json:"nodes"`
	Edges       []EdgeReport       `json:"edges"`
	Adaptations []AdaptationReport `json:"adaptations,omitempty"`
	Aggregates  ReportAggregates   `json:"aggregates"`
}

// NodeReport returns the report entry for a node id.
func (r *WorkflowObservabilityReport) NodeReport(nodeID string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return NodeReport{}, false
}

// Finalize computes the aggregate metrics from the collected entries.
// Called once by the executor when the run ends.
func (r *WorkflowObservabilityReport) Finalize() {
	agg := ReportAggregates{TotalNodes: len(r.Nodes)}
	durations := make([]time.Duration, 0, len(r.Nodes))
	var total time.Duration
	for _, n := range r.Nodes {
		switch n.State {
		case StateCompleted:
			agg.Successful++
		case StateFailed:
			agg.Failed++
		case StateSkipped:
			agg.Skipped++
		}
		if n.Usage != nil {
			agg.TotalUsage = agg.TotalUsage.Add(*n.Usage)
		}
		if n.Duration > 0 {
			durations = append(durations, n.Duration)
			total += n.Duration
		}
	}
	for _, e := range r.Edges {
		if e.ConditionResult != nil {
			agg.EdgeEvaluations++
		}
	}
	agg.Adaptations = len(r.Adaptations)

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		agg.FastestNode = durations[0]
		agg.SlowestNode = durations[len(durations)-1]
		agg.AverageNodeTime = total / time.Duration(len(durations))
		mid := len(durations) / 2
		if len(durations)%2 == 1 {
			agg.MedianNodeTime = durations[mid]
		} else {
			agg.MedianNodeTime = (durations[mid-1] + durations[mid]) / 2
		}
	}
	r.Aggregates = agg
}
