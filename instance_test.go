package reflow

import (
	"testing"
)

func TestNewWorkflowInstance_ResolvesNodes(t *testing.T) {
	model := gatewayModel("n1", SchemaString())
	instance := buildInstance(t, linearWorkflow(), model)

	if node, ok := instance.Node("a"); !ok || node.Metamodel().ID != "n1" {
		t.Fatalf("Node(a) = %v, %v", node, ok)
	}
	if _, ok := instance.Node("ghost"); ok {
		t.Fatal("Node found unknown id")
	}
}

func TestNewWorkflowInstance_UnregisteredMetamodel(t *testing.T) {
	registry := NewNodeRegistry()
	if _, err := NewWorkflowInstance(linearWorkflow(), registry); CodeOf(err) != CodeValidation {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	if _, err := NewWorkflowInstance(nil, registry); CodeOf(err) != CodeValidation {
		t.Fatalf("nil metamodel: err = %v", err)
	}
}

func TestWorkflowInstance_Depths(t *testing.T) {
	w := &WorkflowMetamodel{
		ID: "w",
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "n1"},
			{ID: "b", NodeMetamodelID: "n1"},
			{ID: "c", NodeMetamodelID: "n1"},
			{ID: "d", NodeMetamodelID: "n1"},
		},
		Edges: []WorkflowEdge{
			{ID: "e1", SourceNodeID: "a", TargetNodeID: "b"},
			{ID: "e2", SourceNodeID: "b", TargetNodeID: "d"},
			{ID: "e3", SourceNodeID: "a", TargetNodeID: "d"},
			{ID: "e4", SourceNodeID: "a", TargetNodeID: "c"},
		},
	}
	instance := buildInstance(t, w, gatewayModel("n1", SchemaString()))

	// Depth is the longest path from the entry set.
	for nodeID, want := range map[string]int{"a": 0, "b": 1, "c": 1, "d": 2} {
		if got := instance.Depth(nodeID); got != want {
			t.Errorf("Depth(%s) = %d, want %d", nodeID, got, want)
		}
	}
}

func TestWorkflowInstance_EffectiveBindings(t *testing.T) {
	instance := buildInstance(t, linearWorkflow(), gatewayModel("n1", SchemaString()))

	got := instance.EffectiveBindings("e1")
	if got["val"] != "val" {
		t.Fatalf("explicit bindings = %v", got)
	}

	// Learned bindings overlay the explicit set; same source wins.
	instance.RecordLearnedBindings("e1", map[string]string{"val": "other", "extra": "val"})
	got = instance.EffectiveBindings("e1")
	if got["val"] != "other" || got["extra"] != "val" {
		t.Fatalf("overlaid bindings = %v", got)
	}

	learned := instance.LearnedBindings()
	if learned["e1"]["extra"] != "val" {
		t.Fatalf("LearnedBindings = %v", learned)
	}
	// The returned map is a copy.
	learned["e1"]["extra"] = "mutated"
	if instance.LearnedBindings()["e1"]["extra"] != "val" {
		t.Fatal("LearnedBindings returned an aliased map")
	}

	if instance.EffectiveBindings("unknown") != nil {
		t.Fatal("unknown edge should yield nil bindings")
	}
}

func TestNodeRegistry(t *testing.T) {
	registry := NewNodeRegistry()
	instance, err := NewNodeInstance(gatewayModel("n1", SchemaString()), EffectorDeps{})
	if err != nil {
		t.Fatal(err)
	}

	if err := registry.Register("n1", instance); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register("n1", instance); CodeOf(err) != CodeValidation {
		t.Fatalf("duplicate register: %v", err)
	}
	if err := registry.Register("", instance); CodeOf(err) != CodeValidation {
		t.Fatalf("empty id: %v", err)
	}
	if err := registry.Register("n2", nil); CodeOf(err) != CodeValidation {
		t.Fatalf("nil instance: %v", err)
	}

	if got, err := registry.Get("n1"); err != nil || got != instance {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := registry.Get("absent"); CodeOf(err) != CodeValidation {
		t.Fatalf("absent get: %v", err)
	}
	if registry.Len() != 1 {
		t.Fatalf("Len = %d", registry.Len())
	}

	if removed := registry.Remove("n1"); removed != instance {
		t.Fatal("Remove should return the instance")
	}
	if registry.Len() != 0 {
		t.Fatal("Remove left the instance registered")
	}
}

func TestWorkflowRegistry(t *testing.T) {
	registry := NewWorkflowRegistry()
	instance := buildInstance(t, linearWorkflow(), gatewayModel("n1", SchemaString()))

	if err := registry.Register("w1", instance); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register("w1", instance); CodeOf(err) != CodeValidation {
		t.Fatalf("duplicate register: %v", err)
	}
	if got, err := registry.Get("w1"); err != nil || got != instance {
		t.Fatalf("Get = %v, %v", got, err)
	}
	registry.Clear()
	if _, err := registry.Get("w1"); err == nil {
		t.Fatal("Clear left the instance registered")
	}
}
