package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/reflow-labs/reflow"
)

// Memory is an in-memory catalog. It stores deep copies on write and
// returns deep copies on read, so callers never share state with the
// store.
type Memory struct {
	mu        sync.RWMutex
	intents   map[string]*reflow.IntentMetamodel
	nodes     map[string]*reflow.NodeMetamodel
	workflows map[string]*reflow.WorkflowMetamodel

	onNodeUpdate NodeUpdateHook
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		intents:   make(map[string]*reflow.IntentMetamodel),
		nodes:     make(map[string]*reflow.NodeMetamodel),
		workflows: make(map[string]*reflow.WorkflowMetamodel),
	}
}

// OnNodeUpdate registers the hook fired after a successful node
// update.
func (m *Memory) OnNodeUpdate(hook NodeUpdateHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNodeUpdate = hook
}

// --- intents ---

func (m *Memory) CreateIntent(_ context.Context, intent *reflow.IntentMetamodel) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.intents[intent.ID]; exists {
		return reflow.Errorf(reflow.CodeValidation, "intent %s already exists", intent.ID)
	}
	for _, existing := range m.intents {
		if existing.Name == intent.Name {
			return reflow.Errorf(reflow.CodeValidation, "intent name %q already exists", intent.Name)
		}
	}
	copied := cloneJSON(intent)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	m.intents[intent.ID] = copied
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (*reflow.IntentMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, reflow.Errorf(reflow.CodeValidation, "intent %s not found", id)
	}
	return cloneJSON(intent), nil
}

func (m *Memory) IntentByName(_ context.Context, name string) (*reflow.IntentMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, intent := range m.intents {
		if intent.Name == name {
			return cloneJSON(intent), nil
		}
	}
	return nil, reflow.Errorf(reflow.CodeValidation, "intent named %q not found", name)
}

func (m *Memory) ListIntents(_ context.Context) ([]*reflow.IntentMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*reflow.IntentMetamodel, 0, len(m.intents))
	for _, intent := range m.intents {
		out = append(out, cloneJSON(intent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) NearestIntents(_ context.Context, vector []float32, k int) ([]reflow.ScoredIntent, error) {
	m.mu.RLock()
	intents := make([]*reflow.IntentMetamodel, 0, len(m.intents))
	for _, intent := range m.intents {
		intents = append(intents, cloneJSON(intent))
	}
	m.mu.RUnlock()
	return nearestIntents(intents, vector, k), nil
}

// --- node metamodels ---

func (m *Memory) CreateNode(_ context.Context, model *reflow.NodeMetamodel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[model.ID]; exists {
		return reflow.Errorf(reflow.CodeValidation, "node metamodel %s already exists", model.ID)
	}
	copied := model.Clone()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	if m.latestOfFamilyLocked(copied.FamilyID) == nil {
		copied.IsLatest = true
	} else if copied.IsLatest {
		m.demoteFamilyLocked(copied.FamilyID)
	}
	m.nodes[copied.ID] = copied
	return nil
}

func (m *Memory) GetNode(_ context.Context, id string) (*reflow.NodeMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.nodes[id]
	if !ok {
		return nil, reflow.Errorf(reflow.CodeValidation, "node metamodel %s not found", id)
	}
	return model.Clone(), nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*reflow.NodeMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*reflow.NodeMetamodel, 0, len(m.nodes))
	for _, model := range m.nodes {
		out = append(out, model.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateNode persists a new version of an existing family. The bump
// is validated against the current latest, which is then demoted.
func (m *Memory) UpdateNode(_ context.Context, model *reflow.NodeMetamodel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	if model.FamilyID == "" {
		return reflow.Errorf(reflow.CodeValidation, "node metamodel %s: family id is required for updates", model.ID)
	}

	m.mu.Lock()
	current := m.latestOfFamilyLocked(model.FamilyID)
	if current == nil {
		m.mu.Unlock()
		return reflow.Errorf(reflow.CodeValidation, "node family %s has no versions to update", model.FamilyID)
	}
	if !reflow.IsValidVersionBump(current.Version, model.Version) {
		m.mu.Unlock()
		return reflow.Errorf(reflow.CodeValidation,
			"node family %s: invalid version bump %s -> %s", model.FamilyID, current.Version, model.Version)
	}
	if _, exists := m.nodes[model.ID]; exists {
		m.mu.Unlock()
		return reflow.Errorf(reflow.CodeValidation, "node metamodel %s already exists", model.ID)
	}

	copied := model.Clone()
	copied.IsLatest = true
	copied.UpdatedAt = time.Now().UTC()
	current.IsLatest = false
	m.nodes[copied.ID] = copied
	hook := m.onNodeUpdate
	m.mu.Unlock()

	if hook != nil {
		hook(copied.Clone())
	}
	return nil
}

func (m *Memory) LatestByFamily(_ context.Context, familyID string) (*reflow.NodeMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model := m.latestOfFamilyLocked(familyID)
	if model == nil {
		return nil, reflow.Errorf(reflow.CodeValidation, "node family %s not found", familyID)
	}
	return model.Clone(), nil
}

func (m *Memory) AllByFamily(_ context.Context, familyID string) ([]*reflow.NodeMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*reflow.NodeMetamodel
	for _, model := range m.nodes {
		if model.FamilyID == familyID {
			out = append(out, model.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version.Compare(out[j].Version) > 0 })
	return out, nil
}

func (m *Memory) SearchNodes(_ context.Context, q NodeSearchQuery) ([]NodeMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []NodeMatch
	for _, model := range m.nodes {
		matches = append(matches, NodeMatch{Node: model.Clone(), Score: hybridScore(model, q)})
	}
	return rankMatches(matches, q.Limit), nil
}

func (m *Memory) latestOfFamilyLocked(familyID string) *reflow.NodeMetamodel {
	for _, model := range m.nodes {
		if model.FamilyID == familyID && model.IsLatest {
			return model
		}
	}
	return nil
}

func (m *Memory) demoteFamilyLocked(familyID string) {
	for _, model := range m.nodes {
		if model.FamilyID == familyID && model.IsLatest {
			model.IsLatest = false
		}
	}
}

// --- workflows ---

func (m *Memory) CreateWorkflow(_ context.Context, workflow *reflow.WorkflowMetamodel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := workflow.Validate(func(id string) (*reflow.NodeMetamodel, error) {
		model, ok := m.nodes[id]
		if !ok {
			return nil, reflow.Errorf(reflow.CodeValidation, "node metamodel %s not found", id)
		}
		return model, nil
	})
	if err != nil {
		return err
	}
	if _, exists := m.workflows[workflow.ID]; exists {
		return reflow.Errorf(reflow.CodeValidation, "workflow %s already exists", workflow.ID)
	}
	copied := cloneJSON(workflow)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	m.workflows[workflow.ID] = copied
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*reflow.WorkflowMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflow, ok := m.workflows[id]
	if !ok {
		return nil, reflow.Errorf(reflow.CodeValidation, "workflow %s not found", id)
	}
	return cloneJSON(workflow), nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]*reflow.WorkflowMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*reflow.WorkflowMetamodel, 0, len(m.workflows))
	for _, workflow := range m.workflows {
		out = append(out, cloneJSON(workflow))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) WorkflowsByHandledIntent(_ context.Context, intentID string) ([]*reflow.WorkflowMetamodel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*reflow.WorkflowMetamodel
	for _, workflow := range m.workflows {
		if _, ok := workflow.HandledIntent(intentID); ok {
			out = append(out, cloneJSON(workflow))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MergeEdgeBindings coalesces learned bindings onto an edge; an
// existing entry for the same source path is overwritten.
func (m *Memory) MergeEdgeBindings(_ context.Context, workflowID, edgeID string, bindings map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflow, ok := m.workflows[workflowID]
	if !ok {
		return reflow.Errorf(reflow.CodeValidation, "workflow %s not found", workflowID)
	}
	edge, ok := workflow.EdgeByID(edgeID)
	if !ok {
		return reflow.Errorf(reflow.CodeValidation, "workflow %s: edge %s not found", workflowID, edgeID)
	}
	if edge.Bindings == nil {
		edge.Bindings = make(map[string]string, len(bindings))
	}
	for src, tgt := range bindings {
		edge.Bindings[src] = tgt
	}
	workflow.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) TouchHandledIntent(_ context.Context, workflowID, intentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflow, ok := m.workflows[workflowID]
	if !ok {
		return reflow.Errorf(reflow.CodeValidation, "workflow %s not found", workflowID)
	}
	for i := range workflow.HandledIntents {
		if workflow.HandledIntents[i].IntentID == intentID {
			stamp := at
			workflow.HandledIntents[i].LastExecuted = &stamp
			return nil
		}
	}
	return reflow.Errorf(reflow.CodeValidation, "workflow %s does not handle intent %s", workflowID, intentID)
}

// cloneJSON deep-copies a metamodel through its JSON form.
func cloneJSON[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		copied := *v
		return &copied
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *v
		return &copied
	}
	return &out
}

// Compile-time interface checks.
var _ Catalog = (*Memory)(nil)
var _ reflow.WorkflowStore = (*Memory)(nil)
var _ reflow.IntentSource = (*Memory)(nil)
