package reflow

import (
	"reflect"
	"testing"
)

func linearWorkflow() *WorkflowMetamodel {
	return &WorkflowMetamodel{
		ID:      "w1",
		Name:    "linear",
		Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "n1"},
			{ID: "b", NodeMetamodelID: "n1"},
		},
		Edges: []WorkflowEdge{
			{ID: "e1", SourceNodeID: "a", TargetNodeID: "b", Bindings: map[string]string{"val": "val"}},
		},
	}
}

func TestWorkflowValidate_Structural(t *testing.T) {
	if err := linearWorkflow().Validate(nil); err != nil {
		t.Fatalf("valid workflow rejected: %v", err)
	}

	t.Run("missing id", func(t *testing.T) {
		w := linearWorkflow()
		w.ID = ""
		if CodeOf(w.Validate(nil)) != CodeValidation {
			t.Error("workflow without id should fail")
		}
	})

	t.Run("no nodes", func(t *testing.T) {
		w := &WorkflowMetamodel{ID: "w"}
		if CodeOf(w.Validate(nil)) != CodeValidation {
			t.Error("empty node set should fail")
		}
	})

	t.Run("duplicate node id", func(t *testing.T) {
		w := linearWorkflow()
		w.Nodes = append(w.Nodes, WorkflowNode{ID: "a", NodeMetamodelID: "n1"})
		if CodeOf(w.Validate(nil)) != CodeValidation {
			t.Error("duplicate node id should fail")
		}
	})

	t.Run("duplicate edge id", func(t *testing.T) {
		w := linearWorkflow()
		w.Edges = append(w.Edges, WorkflowEdge{ID: "e1", SourceNodeID: "b", TargetNodeID: "a"})
		if CodeOf(w.Validate(nil)) != CodeValidation {
			t.Error("duplicate edge id should fail")
		}
	})

	t.Run("dangling target", func(t *testing.T) {
		w := linearWorkflow()
		w.Edges[0].TargetNodeID = "ghost"
		if CodeOf(w.Validate(nil)) != CodeDanglingEdge {
			t.Error("dangling target should fail with DANGLING_EDGE")
		}
	})

	t.Run("dangling source", func(t *testing.T) {
		w := linearWorkflow()
		w.Edges[0].SourceNodeID = "ghost"
		if CodeOf(w.Validate(nil)) != CodeDanglingEdge {
			t.Error("dangling source should fail with DANGLING_EDGE")
		}
	})
}

func TestWorkflowValidate_Cycle(t *testing.T) {
	w := linearWorkflow()
	w.Edges = append(w.Edges, WorkflowEdge{ID: "e2", SourceNodeID: "b", TargetNodeID: "a"})
	if CodeOf(w.Validate(nil)) != CodeWorkflowCycle {
		t.Fatal("two-node cycle should fail with WORKFLOW_CYCLE")
	}

	// A cycle guarded by a condition is still a static cycle.
	w.Edges[1].Condition = &EdgeCondition{
		Operator:    ConditionAnd,
		Expressions: []ConditionExpression{{Port: "never", Operation: OpIsNotNull}},
	}
	if CodeOf(w.Validate(nil)) != CodeWorkflowCycle {
		t.Fatal("conditional cycle should still fail")
	}
}

func TestWorkflowValidate_SelfLoop(t *testing.T) {
	w := linearWorkflow()
	w.Edges = append(w.Edges, WorkflowEdge{ID: "e2", SourceNodeID: "a", TargetNodeID: "a"})
	if CodeOf(w.Validate(nil)) != CodeWorkflowCycle {
		t.Fatal("self-loop should fail with WORKFLOW_CYCLE")
	}
}

func TestWorkflowValidate_WithResolver(t *testing.T) {
	model := gatewayModel("n1", SchemaString())
	resolve := func(id string) (*NodeMetamodel, error) {
		if id == "n1" {
			return model, nil
		}
		return nil, Errorf(CodeValidation, "unknown metamodel %q", id)
	}

	if err := linearWorkflow().Validate(resolve); err != nil {
		t.Fatalf("resolvable workflow rejected: %v", err)
	}

	t.Run("unresolvable metamodel", func(t *testing.T) {
		w := linearWorkflow()
		w.Nodes[1].NodeMetamodelID = "missing"
		if CodeOf(w.Validate(resolve)) != CodeValidation {
			t.Error("unresolvable metamodel should fail")
		}
	})

	t.Run("disabled metamodel", func(t *testing.T) {
		disabled := gatewayModel("n1", SchemaString())
		disabled.Enabled = false
		err := linearWorkflow().Validate(func(string) (*NodeMetamodel, error) {
			return disabled, nil
		})
		if CodeOf(err) != CodeValidation {
			t.Error("disabled metamodel should fail")
		}
	})

	t.Run("unknown binding path", func(t *testing.T) {
		w := linearWorkflow()
		w.Edges[0].Bindings = map[string]string{"nope": "val"}
		if CodeOf(w.Validate(resolve)) != CodeDanglingEdge {
			t.Error("unknown source path should fail with DANGLING_EDGE")
		}
	})

	t.Run("incompatible binding schemas", func(t *testing.T) {
		intModel := gatewayModel("n1", SchemaInt())
		boolTarget := gatewayModel("n2", SchemaBoolean())
		w := linearWorkflow()
		w.Nodes[1].NodeMetamodelID = "n2"
		err := w.Validate(func(id string) (*NodeMetamodel, error) {
			if id == "n2" {
				return boolTarget, nil
			}
			return intModel, nil
		})
		if CodeOf(err) != CodeValidation {
			t.Error("incompatible schemas should fail")
		}
	})
}

func TestWorkflowTopology(t *testing.T) {
	w := &WorkflowMetamodel{
		ID: "w",
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "n"},
			{ID: "b", NodeMetamodelID: "n"},
			{ID: "c", NodeMetamodelID: "n"},
			{ID: "d", NodeMetamodelID: "n"},
		},
		Edges: []WorkflowEdge{
			{ID: "e1", SourceNodeID: "a", TargetNodeID: "c"},
			{ID: "e2", SourceNodeID: "b", TargetNodeID: "c"},
			{ID: "e3", SourceNodeID: "c", TargetNodeID: "d"},
		},
	}

	if got := w.EntryNodeIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("EntryNodeIDs = %v", got)
	}
	if got := w.ExitNodeIDs(); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("ExitNodeIDs = %v", got)
	}
	if got := w.IncomingEdges("c"); len(got) != 2 || got[0].ID != "e1" {
		t.Errorf("IncomingEdges(c) = %v", got)
	}
	if got := w.OutgoingEdges("c"); len(got) != 1 || got[0].ID != "e3" {
		t.Errorf("OutgoingEdges(c) = %v", got)
	}
	if edge, ok := w.EdgeByID("e2"); !ok || edge.SourceNodeID != "b" {
		t.Errorf("EdgeByID(e2) = %v, %v", edge, ok)
	}
	if _, ok := w.EdgeByID("e9"); ok {
		t.Error("EdgeByID found absent edge")
	}
	if _, ok := w.NodeByID("d"); !ok {
		t.Error("NodeByID missed d")
	}
}

func TestWorkflowNodeGating(t *testing.T) {
	if (WorkflowNode{}).Gating() != ExecutionJoin {
		t.Error("default gating should be JOIN")
	}
	if (WorkflowNode{ExecutionType: ExecutionMerge}).Gating() != ExecutionMerge {
		t.Error("explicit MERGE lost")
	}
	if (WorkflowNode{ExecutionType: "bogus"}).Gating() != ExecutionJoin {
		t.Error("unknown execution type should default to JOIN")
	}
}

func TestWorkflowHandledIntent(t *testing.T) {
	w := linearWorkflow()
	w.HandledIntents = []HandledIntent{{IntentID: "i1", Score: 0.8}}
	if h, ok := w.HandledIntent("i1"); !ok || h.Score != 0.8 {
		t.Errorf("HandledIntent(i1) = %v, %v", h, ok)
	}
	if _, ok := w.HandledIntent("i2"); ok {
		t.Error("HandledIntent found absent intent")
	}
}

func TestIntentMetamodelValidate(t *testing.T) {
	valid := &IntentMetamodel{ID: "i1", Name: "SEARCH_DOCS"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid intent rejected: %v", err)
	}
	for _, name := range []string{"search_docs", "Search", "SEARCH DOCS", "", "9LIVES"} {
		intent := &IntentMetamodel{ID: "i", Name: name}
		if CodeOf(intent.Validate()) != CodeValidation {
			t.Errorf("name %q should be rejected", name)
		}
	}
	if CodeOf((&IntentMetamodel{Name: "VALID_NAME"}).Validate()) != CodeValidation {
		t.Error("intent without id should fail")
	}
}
