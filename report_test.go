package reflow

import (
	"testing"
	"time"
)

func TestDiffSnapshots(t *testing.T) {
	before := map[string]any{"a": 1, "b": "old", "c": true}
	after := map[string]any{"a": 1, "b": "new", "d": []any{1}}

	diff := DiffSnapshots(before, after)
	if len(diff.Added) != 1 || diff.Added["d"] == nil {
		t.Fatalf("added = %v", diff.Added)
	}
	if change, ok := diff.Modified["b"]; !ok || change.Before != "old" || change.After != "new" {
		t.Fatalf("modified = %v", diff.Modified)
	}
	if len(diff.Removed) != 1 || diff.Removed["c"] != true {
		t.Fatalf("removed = %v", diff.Removed)
	}
	if diff.Empty() {
		t.Fatal("diff should not be empty")
	}
	if !DiffSnapshots(before, before).Empty() {
		t.Fatal("identical snapshots should diff empty")
	}
}

func TestReportFinalize_Aggregates(t *testing.T) {
	usage := TokenUsage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}
	outcome := true
	report := &WorkflowObservabilityReport{
		Nodes: []NodeReport{
			{NodeID: "a", State: StateCompleted, Duration: 10 * time.Millisecond},
			{NodeID: "b", State: StateCompleted, Duration: 30 * time.Millisecond, Usage: &usage},
			{NodeID: "c", State: StateFailed, Duration: 20 * time.Millisecond},
			{NodeID: "d", State: StateSkipped},
		},
		Edges: []EdgeReport{
			{EdgeID: "e1", ConditionResult: &outcome},
			{EdgeID: "e2"},
		},
		Adaptations: []AdaptationReport{{NodeID: "c", Success: false}},
	}
	report.Finalize()

	agg := report.Aggregates
	if agg.TotalNodes != 4 || agg.Successful != 2 || agg.Failed != 1 || agg.Skipped != 1 {
		t.Fatalf("counts = %+v", agg)
	}
	if agg.FastestNode != 10*time.Millisecond || agg.SlowestNode != 30*time.Millisecond {
		t.Fatalf("fastest/slowest = %v/%v", agg.FastestNode, agg.SlowestNode)
	}
	if agg.AverageNodeTime != 20*time.Millisecond {
		t.Fatalf("average = %v", agg.AverageNodeTime)
	}
	if agg.MedianNodeTime != 20*time.Millisecond {
		t.Fatalf("median = %v", agg.MedianNodeTime)
	}
	if agg.EdgeEvaluations != 1 {
		t.Fatalf("edge evaluations = %d", agg.EdgeEvaluations)
	}
	if agg.Adaptations != 1 {
		t.Fatalf("adaptations = %d", agg.Adaptations)
	}
	if agg.TotalUsage.TotalTokens != 14 {
		t.Fatalf("usage = %+v", agg.TotalUsage)
	}
}

func TestReportNodeReport(t *testing.T) {
	report := &WorkflowObservabilityReport{
		Nodes: []NodeReport{{NodeID: "a", State: StateCompleted}},
	}
	if _, ok := report.NodeReport("a"); !ok {
		t.Fatal("expected node a")
	}
	if _, ok := report.NodeReport("zz"); ok {
		t.Fatal("unexpected node zz")
	}
}
