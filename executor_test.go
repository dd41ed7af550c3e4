package reflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chainWorkflow builds a linear gateway workflow a→b→c with val→val
// bindings on every edge.
func chainWorkflow() (*WorkflowMetamodel, []*NodeMetamodel) {
	models := []*NodeMetamodel{
		gatewayModel("gw-a", SchemaString()),
		gatewayModel("gw-b", SchemaString()),
		gatewayModel("gw-c", SchemaString()),
	}
	metamodel := &WorkflowMetamodel{
		ID: "wf-chain", Name: "chain", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "gw-a"},
			{ID: "b", NodeMetamodelID: "gw-b"},
			{ID: "c", NodeMetamodelID: "gw-c"},
		},
		Edges: []WorkflowEdge{
			{ID: "e-ab", SourceNodeID: "a", TargetNodeID: "b", Bindings: map[string]string{"val": "val"}},
			{ID: "e-bc", SourceNodeID: "b", TargetNodeID: "c", Bindings: map[string]string{"val": "val"}},
		},
	}
	return metamodel, models
}

func TestExecute_LinearChain(t *testing.T) {
	metamodel, models := chainWorkflow()
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "hello"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, "hello", ec.Get("c.val"))

	for _, id := range []string{"a", "b", "c"} {
		nr, ok := report.NodeReport(id)
		require.True(t, ok)
		require.Equal(t, StateCompleted, nr.State, "node %s", id)
	}
	require.Equal(t, 3, report.Aggregates.TotalNodes)
	require.Equal(t, 3, report.Aggregates.Successful)
	require.Equal(t, 2, report.Aggregates.EdgeEvaluations)
}

// TestExecute_RespectsDAGOrder checks the partial-order guarantee:
// for every edge, the source finishes before the target starts.
func TestExecute_RespectsDAGOrder(t *testing.T) {
	models := []*NodeMetamodel{
		gatewayModel("gw-a", SchemaString()),
		gatewayModel("gw-b", SchemaString()),
		gatewayModel("gw-c", SchemaString()),
		gatewayModel("gw-d", SchemaString()),
	}
	// Diamond: a fans out to b and c, both join at d.
	metamodel := &WorkflowMetamodel{
		ID: "wf-diamond", Name: "diamond", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "gw-a"},
			{ID: "b", NodeMetamodelID: "gw-b"},
			{ID: "c", NodeMetamodelID: "gw-c"},
			{ID: "d", NodeMetamodelID: "gw-d"},
		},
		Edges: []WorkflowEdge{
			{ID: "e-ab", SourceNodeID: "a", TargetNodeID: "b", Bindings: map[string]string{"val": "val"}},
			{ID: "e-ac", SourceNodeID: "a", TargetNodeID: "c", Bindings: map[string]string{"val": "val"}},
			{ID: "e-bd", SourceNodeID: "b", TargetNodeID: "d", Bindings: map[string]string{"val": "val"}},
			{ID: "e-cd", SourceNodeID: "c", TargetNodeID: "d"},
		},
	}
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "x"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)

	for _, e := range metamodel.Edges {
		src, _ := report.NodeReport(e.SourceNodeID)
		tgt, _ := report.NodeReport(e.TargetNodeID)
		require.False(t, tgt.StartedAt.Before(src.EndedAt),
			"edge %s: target started %v before source ended %v", e.ID, tgt.StartedAt, src.EndedAt)
	}
	require.Equal(t, "x", ec.Get("d.val"))
}

func TestExecute_InactiveConditionSkipsJoinNode(t *testing.T) {
	metamodel, models := chainWorkflow()
	metamodel.Edges[0].Condition = &EdgeCondition{
		Operator: ConditionAnd,
		Expressions: []ConditionExpression{
			{Port: "a.val", Operation: OpEquals, Value: "never"},
		},
	}
	instance := buildInstance(t, metamodel, models...)
	recorder := &eventRecorder{}
	executor := NewExecutor(ExecutorConfig{Handler: recorder.handle})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "hello"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	require.True(t, report.Success)

	// b's only incoming edge evaluated false, so b is skipped rather
	// than failed, and the skip cascades to c.
	b, _ := report.NodeReport("b")
	require.Equal(t, StateSkipped, b.State)
	c, _ := report.NodeReport("c")
	require.Equal(t, StateSkipped, c.State)
	require.Nil(t, ec.Get("c.val"))
	require.Equal(t, 1, recorder.count(EventNodeSkipped, "b"))
	require.Equal(t, 2, report.Aggregates.Skipped)
}

func TestExecute_JoinRunsWithOneActiveEdge(t *testing.T) {
	models := []*NodeMetamodel{
		gatewayModel("gw-a", SchemaString()),
		gatewayModel("gw-b", SchemaString()),
		gatewayModel("gw-c", SchemaString()),
	}
	// Two entry nodes feed c; the b→c edge is conditioned off.
	metamodel := &WorkflowMetamodel{
		ID: "wf-join", Name: "join", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "gw-a"},
			{ID: "b", NodeMetamodelID: "gw-b"},
			{ID: "c", NodeMetamodelID: "gw-c"},
		},
		Edges: []WorkflowEdge{
			{ID: "e-ac", SourceNodeID: "a", TargetNodeID: "c", Bindings: map[string]string{"val": "val"}},
			{ID: "e-bc", SourceNodeID: "b", TargetNodeID: "c", Condition: &EdgeCondition{
				Expressions: []ConditionExpression{{Port: "b.val", Operation: OpIsNull}},
			}},
		},
	}
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "from-a"))
	require.NoError(t, ec.Put("b.val", "from-b"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	c, _ := report.NodeReport("c")
	require.Equal(t, StateCompleted, c.State)
	require.Equal(t, "from-a", ec.Get("c.val"))
}

func TestExecute_MergeFiresOnFirstActiveEdgeOnce(t *testing.T) {
	models := []*NodeMetamodel{
		gatewayModel("gw-a", SchemaString()),
		gatewayModel("gw-b", SchemaString()),
		gatewayModel("gw-c", SchemaString()),
	}
	metamodel := &WorkflowMetamodel{
		ID: "wf-merge", Name: "merge", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "gw-a"},
			{ID: "b", NodeMetamodelID: "gw-b"},
			{ID: "c", NodeMetamodelID: "gw-c", ExecutionType: ExecutionMerge},
		},
		Edges: []WorkflowEdge{
			{ID: "e-ac", SourceNodeID: "a", TargetNodeID: "c", Bindings: map[string]string{"val": "val"}},
			{ID: "e-bc", SourceNodeID: "b", TargetNodeID: "c", Bindings: map[string]string{"val": "val"}},
		},
	}
	instance := buildInstance(t, metamodel, models...)
	recorder := &eventRecorder{}
	executor := NewExecutor(ExecutorConfig{Handler: recorder.handle})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "one"))
	require.NoError(t, ec.Put("b.val", "two"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	c, _ := report.NodeReport("c")
	require.Equal(t, StateCompleted, c.State)

	// MERGE is idempotent: the second predecessor's activation must
	// not re-fire the node.
	require.Equal(t, 1, recorder.count(EventNodeStarted, "c"))
	require.NotNil(t, ec.Get("c.val"))
}

func TestExecute_MergeSkippedWhenAllEdgesInactive(t *testing.T) {
	models := []*NodeMetamodel{
		gatewayModel("gw-a", SchemaString()),
		gatewayModel("gw-b", SchemaString()),
	}
	metamodel := &WorkflowMetamodel{
		ID: "wf-merge-skip", Name: "merge-skip", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "a", NodeMetamodelID: "gw-a"},
			{ID: "b", NodeMetamodelID: "gw-b", ExecutionType: ExecutionMerge},
		},
		Edges: []WorkflowEdge{
			{ID: "e-ab", SourceNodeID: "a", TargetNodeID: "b", Condition: &EdgeCondition{
				Expressions: []ConditionExpression{{Port: "a.val", Operation: OpIsNull}},
			}},
		},
	}
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "present"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	b, _ := report.NodeReport("b")
	require.Equal(t, StateSkipped, b.State)
}

func TestExecute_UnsatisfiedInputsWithoutAdapter(t *testing.T) {
	metamodel, models := chainWorkflow()
	// b now requires its input, and the feeding edge carries no
	// bindings; with no adapter configured the node must fail.
	models[1].InputPorts = PortSet{
		{Key: "val", Kind: PortKindStandard, Schema: &PortSchema{Kind: KindString, Required: true}},
	}
	metamodel.Edges[0].Bindings = nil
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "hello"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.Equal(t, CodeUnsatisfiedInputs, CodeOf(err))
	require.False(t, report.Success)
	require.Equal(t, CodeUnsatisfiedInputs, report.ErrorCode)
	b, _ := report.NodeReport("b")
	require.Equal(t, StateFailed, b.State)
}

func TestExecute_AdapterResolvesMissingBindings(t *testing.T) {
	metamodel, models := chainWorkflow()
	models[1].InputPorts = PortSet{
		{Key: "val", Kind: PortKindStandard, Schema: &PortSchema{Kind: KindString, Required: true}},
	}
	metamodel.Edges[0].Bindings = nil
	instance := buildInstance(t, metamodel, models...)

	chat := &scriptedChat{responses: []string{`{"bindings": {"a.val": "val"}}`}}
	adapter, err := NewPortAdapter(chat, PortAdapterConfig{})
	require.NoError(t, err)
	executor := NewExecutor(ExecutorConfig{Adapter: adapter})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "hello"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, "hello", ec.Get("c.val"))

	require.Len(t, report.Adaptations, 1)
	require.True(t, report.Adaptations[0].Success)
	require.Equal(t, []string{"val"}, report.Adaptations[0].MissingInputs)

	// The learned binding lands on the inducing edge and is effective
	// for subsequent runs of this instance.
	require.Equal(t, map[string]string{"val": "val"},
		instance.LearnedBindings()["e-ab"])
	require.Equal(t, map[string]string{"val": "val"},
		instance.EffectiveBindings("e-ab"))
}

func TestExecute_AdaptationFailureFailsWorkflow(t *testing.T) {
	metamodel, models := chainWorkflow()
	// b requires an object no upstream output can feed; the adapter
	// exhausts its critique retry and the run fails.
	models[1].InputPorts = PortSet{
		{Key: "doc", Kind: PortKindStandard, Schema: &PortSchema{
			Kind:       KindObject,
			Required:   true,
			Properties: map[string]*PortSchema{"title": SchemaString(), "count": SchemaInt()},
		}},
	}
	metamodel.Edges[0].Bindings = nil
	instance := buildInstance(t, metamodel, models...)

	chat := &scriptedChat{responses: []string{
		`{"bindings": {"a.val": "doc"}}`,
		`{"bindings": {"a.val": "doc"}}`,
	}}
	adapter, err := NewPortAdapter(chat, PortAdapterConfig{})
	require.NoError(t, err)
	executor := NewExecutor(ExecutorConfig{Adapter: adapter})

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "hello"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.Equal(t, CodeAdaptationFailed, CodeOf(err))
	require.False(t, report.Success)
	require.Len(t, report.Adaptations, 1)
	require.False(t, report.Adaptations[0].Success)
	require.NotEmpty(t, report.Adaptations[0].Error)
}

func TestExecute_EffectorFailureFailsWorkflow(t *testing.T) {
	llm := &NodeMetamodel{
		ID: "llm-bad", FamilyID: "llm-bad", Name: "broken", Kind: NodeKindLLM,
		Enabled: true,
		LLM:     &LLMSpec{Provider: "openai", ModelName: "gpt-4o-mini"},
		InputPorts: PortSet{
			{Key: "q", Kind: PortKindLLM, Role: RoleUserPrompt, Schema: SchemaString()},
		},
		OutputPorts: PortSet{
			{Key: "answer", Kind: PortKindLLM, Role: RoleResponse, Schema: SchemaString()},
		},
	}
	downstream := gatewayModel("gw-z", SchemaString())

	registry := NewNodeRegistry()
	llmInstance, err := NewNodeInstance(llm, EffectorDeps{
		ChatClients: func(string) (ChatClient, error) {
			return nil, Errorf(CodeEffectorPermanent, "provider down")
		},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(llm.ID, llmInstance))
	zInstance, err := NewNodeInstance(downstream, EffectorDeps{})
	require.NoError(t, err)
	require.NoError(t, registry.Register(downstream.ID, zInstance))

	metamodel := &WorkflowMetamodel{
		ID: "wf-fail", Name: "fail", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "l", NodeMetamodelID: "llm-bad"},
			{ID: "z", NodeMetamodelID: "gw-z"},
		},
		Edges: []WorkflowEdge{
			{ID: "e-lz", SourceNodeID: "l", TargetNodeID: "z", Bindings: map[string]string{"answer": "val"}},
		},
	}
	instance, err := NewWorkflowInstance(metamodel, registry)
	require.NoError(t, err)

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("l.q", "hi"))

	report, execErr := executeFailing(t, instance, ec)
	require.Equal(t, CodeEffectorPermanent, CodeOf(execErr))
	l, _ := report.NodeReport("l")
	require.Equal(t, StateFailed, l.State)
	require.Equal(t, CodeEffectorPermanent, l.ErrorCode)
	z, _ := report.NodeReport("z")
	require.Equal(t, StateSkipped, z.State)
	require.Equal(t, 1, report.Aggregates.Failed)
}

func executeFailing(t *testing.T, instance *WorkflowInstance, ec *ExecutionContext) (*WorkflowObservabilityReport, error) {
	t.Helper()
	executor := NewExecutor(ExecutorConfig{})
	report, err := executor.Execute(context.Background(), instance, ec)
	require.Error(t, err)
	require.NotNil(t, report)
	return report, err
}

func TestExecute_NonFatalFailureDeactivatesDownstream(t *testing.T) {
	llm := &NodeMetamodel{
		ID: "llm-soft", FamilyID: "llm-soft", Name: "soft", Kind: NodeKindLLM,
		Enabled: true, NonFatal: true,
		LLM: &LLMSpec{Provider: "openai", ModelName: "gpt-4o-mini"},
		InputPorts: PortSet{
			{Key: "q", Kind: PortKindLLM, Role: RoleUserPrompt, Schema: SchemaString()},
		},
		OutputPorts: PortSet{
			{Key: "answer", Kind: PortKindLLM, Role: RoleResponse, Schema: SchemaString()},
		},
	}
	downstream := gatewayModel("gw-z", SchemaString())

	registry := NewNodeRegistry()
	llmInstance, err := NewNodeInstance(llm, EffectorDeps{
		ChatClients: func(string) (ChatClient, error) {
			return nil, Errorf(CodeEffectorPermanent, "provider down")
		},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(llm.ID, llmInstance))
	zInstance, err := NewNodeInstance(downstream, EffectorDeps{})
	require.NoError(t, err)
	require.NoError(t, registry.Register(downstream.ID, zInstance))

	metamodel := &WorkflowMetamodel{
		ID: "wf-soft", Name: "soft", Enabled: true,
		Nodes: []WorkflowNode{
			{ID: "l", NodeMetamodelID: "llm-soft"},
			{ID: "z", NodeMetamodelID: "gw-z"},
		},
		Edges: []WorkflowEdge{
			{ID: "e-lz", SourceNodeID: "l", TargetNodeID: "z", Bindings: map[string]string{"answer": "val"}},
		},
	}
	instance, err := NewWorkflowInstance(metamodel, registry)
	require.NoError(t, err)

	executor := NewExecutor(ExecutorConfig{})
	ec := NewExecutionContext()
	require.NoError(t, ec.Put("l.q", "hi"))

	report, err := executor.Execute(context.Background(), instance, ec)
	require.NoError(t, err)
	require.True(t, report.Success)

	l, _ := report.NodeReport("l")
	require.Equal(t, StateFailed, l.State)
	z, _ := report.NodeReport("z")
	require.Equal(t, StateSkipped, z.State)
}

func TestExecute_CancellationStopsRun(t *testing.T) {
	metamodel, models := chainWorkflow()
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ec := NewExecutionContext()
	require.NoError(t, ec.Put("a.val", "hello"))

	report, err := executor.Execute(ctx, instance, ec)
	require.Error(t, err)
	require.False(t, report.Success)
}

func TestExecute_ReportRecordsContextDiffAndUsage(t *testing.T) {
	llm := &NodeMetamodel{
		ID: "llm-diff", FamilyID: "llm-diff", Name: "answer", Kind: NodeKindLLM,
		Enabled: true,
		LLM:     &LLMSpec{Provider: "openai", ModelName: "gpt-4o-mini"},
		InputPorts: PortSet{
			{Key: "q", Kind: PortKindLLM, Role: RoleUserPrompt, Schema: SchemaString()},
		},
		OutputPorts: PortSet{
			{Key: "answer", Kind: PortKindLLM, Role: RoleResponse, Schema: SchemaString()},
		},
	}
	chat := &scriptedChat{
		responses: []string{"42"},
		usage:     TokenUsage{InputTokens: 7, OutputTokens: 2, TotalTokens: 9},
	}
	registry := NewNodeRegistry()
	instance, err := NewNodeInstance(llm, EffectorDeps{
		ChatClients: func(string) (ChatClient, error) { return chat, nil },
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(llm.ID, instance))

	metamodel := &WorkflowMetamodel{
		ID: "wf-diff", Name: "diff", Enabled: true,
		Nodes: []WorkflowNode{{ID: "l", NodeMetamodelID: "llm-diff"}},
	}
	wf, err := NewWorkflowInstance(metamodel, registry)
	require.NoError(t, err)

	executor := NewExecutor(ExecutorConfig{})
	ec := NewExecutionContext()
	require.NoError(t, ec.Put("l.q", "what is six times seven?"))

	report, err := executor.Execute(context.Background(), wf, ec)
	require.NoError(t, err)

	// The answer lands inside the node's existing namespace, so the
	// top-level diff reports "l" as modified.
	l, _ := report.NodeReport("l")
	require.False(t, l.Diff.Empty())
	require.Contains(t, l.Diff.Modified, "l")
	require.NotNil(t, l.Usage)
	require.Equal(t, 9, l.Usage.TotalTokens)
	require.Equal(t, 9, report.Aggregates.TotalUsage.TotalTokens)
}

// TestExecute_WideFanOutExceedsWorkerPool runs more simultaneously
// ready nodes than the pool holds; the scheduler must keep draining
// results while dispatch waits for a free worker.
func TestExecute_WideFanOutExceedsWorkerPool(t *testing.T) {
	width := maxWorkers + 8
	metamodel := &WorkflowMetamodel{ID: "wf-wide", Name: "wide", Enabled: true}
	var models []*NodeMetamodel
	ec := NewExecutionContext()
	for i := 0; i < width; i++ {
		modelID := fmt.Sprintf("gw-%02d", i)
		nodeID := fmt.Sprintf("n%02d", i)
		models = append(models, gatewayModel(modelID, SchemaString()))
		metamodel.Nodes = append(metamodel.Nodes, WorkflowNode{ID: nodeID, NodeMetamodelID: modelID})
		require.NoError(t, ec.Put(nodeID+".val", fmt.Sprintf("v%02d", i)))
	}
	instance := buildInstance(t, metamodel, models...)
	executor := NewExecutor(ExecutorConfig{})

	type outcome struct {
		report *WorkflowObservabilityReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := executor.Execute(context.Background(), instance, ec)
		done <- outcome{report, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.True(t, out.report.Success)
		require.Equal(t, width, out.report.Aggregates.Successful)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish; scheduler stalled dispatching ready nodes")
	}
}
