package reflow

import (
	"context"
	"sync"
	"time"
)

// scriptedChat replays canned responses in order and records every
// request it saw. An exhausted script fails the call.
type scriptedChat struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []ChatRequest
	usage     TokenUsage
}

func (c *scriptedChat) Complete(_ context.Context, req ChatRequest) (ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return ChatResponse{}, c.err
	}
	if len(c.responses) == 0 {
		return ChatResponse{}, Errorf(CodeEffectorPermanent, "scripted chat exhausted after %d calls", len(c.calls))
	}
	text := c.responses[0]
	c.responses = c.responses[1:]
	return ChatResponse{Text: text, Usage: c.usage}, nil
}

func (c *scriptedChat) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedChat) call(i int) ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
	texts  []string
}

func (e *fixedEmbedder) Embed(_ context.Context, _, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

// stubIntentSource serves a fixed candidate list and records created
// intents.
type stubIntentSource struct {
	nearest []ScoredIntent
	created []*IntentMetamodel
}

func (s *stubIntentSource) NearestIntents(_ context.Context, _ []float32, _ int) ([]ScoredIntent, error) {
	return s.nearest, nil
}

func (s *stubIntentSource) CreateIntent(_ context.Context, intent *IntentMetamodel) error {
	s.created = append(s.created, intent)
	return nil
}

// stubWorkflowStore is an in-memory WorkflowStore recording every
// write-back.
type stubWorkflowStore struct {
	workflows []*WorkflowMetamodel
	merged    map[string]map[string]string
	touched   []string
}

func (s *stubWorkflowStore) WorkflowsByHandledIntent(_ context.Context, intentID string) ([]*WorkflowMetamodel, error) {
	var out []*WorkflowMetamodel
	for _, w := range s.workflows {
		if _, ok := w.HandledIntent(intentID); ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *stubWorkflowStore) MergeEdgeBindings(_ context.Context, _, edgeID string, bindings map[string]string) error {
	if s.merged == nil {
		s.merged = make(map[string]map[string]string)
	}
	if s.merged[edgeID] == nil {
		s.merged[edgeID] = make(map[string]string)
	}
	for src, tgt := range bindings {
		s.merged[edgeID][src] = tgt
	}
	return nil
}

func (s *stubWorkflowStore) TouchHandledIntent(_ context.Context, workflowID, intentID string, _ time.Time) error {
	s.touched = append(s.touched, workflowID+"/"+intentID)
	return nil
}

// eventRecorder collects events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *eventRecorder) count(kind EventKind, nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && (nodeID == "" || e.NodeID == nodeID) {
			n++
		}
	}
	return n
}

// gatewayModel builds an enabled gateway metamodel with one "val"
// input and one "val" output of the given schema.
func gatewayModel(id string, schema *PortSchema) *NodeMetamodel {
	return &NodeMetamodel{
		ID:       id,
		FamilyID: id,
		Version:  Version{Major: 1},
		Enabled:  true,
		Kind:     NodeKindGateway,
		Name:     id,
		InputPorts: PortSet{
			{Key: "val", Kind: PortKindStandard, Schema: schema},
		},
		OutputPorts: PortSet{
			{Key: "val", Kind: PortKindStandard, Schema: schema},
		},
	}
}

// buildInstance registers the models and materializes the workflow.
func buildInstance(t interface{ Fatalf(string, ...any) }, metamodel *WorkflowMetamodel, models ...*NodeMetamodel) *WorkflowInstance {
	registry := NewNodeRegistry()
	for _, m := range models {
		instance, err := NewNodeInstance(m, EffectorDeps{})
		if err != nil {
			t.Fatalf("NewNodeInstance(%s): %v", m.ID, err)
		}
		if err := registry.Register(m.ID, instance); err != nil {
			t.Fatalf("Register(%s): %v", m.ID, err)
		}
	}
	instance, err := NewWorkflowInstance(metamodel, registry)
	if err != nil {
		t.Fatalf("NewWorkflowInstance: %v", err)
	}
	return instance
}
