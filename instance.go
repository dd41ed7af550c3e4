package reflow

import (
	"sync"
)

// WorkflowInstance is a workflow metamodel materialized against live
// node instances: a pre-resolved DAG with the effective bindings per
// edge. Instances are cheap to build and are rebuilt when the
// metamodel changes; adapter-learned bindings reach the instance
// through RecordLearnedBindings.
type WorkflowInstance struct {
	metamodel *WorkflowMetamodel

	mu    sync.RWMutex
	nodes map[string]*NodeInstance

	// learned holds adapter-learned bindings per edge id, layered
	// under the edge's explicit bindings.
	learned map[string]map[string]string

	depths map[string]int
}

// NewWorkflowInstance resolves every workflow node against the node
// registry and pre-computes entry depths for deterministic ready
// ordering.
func NewWorkflowInstance(metamodel *WorkflowMetamodel, nodes *NodeRegistry) (*WorkflowInstance, error) {
	if metamodel == nil {
		return nil, Errorf(CodeValidation, "workflow instance requires a metamodel")
	}
	resolved := make(map[string]*NodeInstance, len(metamodel.Nodes))
	for _, wn := range metamodel.Nodes {
		instance, err := nodes.Get(wn.NodeMetamodelID)
		if err != nil {
			return nil, WrapError(CodeValidation, err, "workflow %s: node %s", metamodel.ID, wn.ID)
		}
		resolved[wn.ID] = instance
	}
	w := &WorkflowInstance{
		metamodel: metamodel,
		nodes:     resolved,
		learned:   make(map[string]map[string]string),
	}
	w.depths = w.computeDepths()
	return w, nil
}

// Metamodel returns the backing workflow metamodel.
func (w *WorkflowInstance) Metamodel() *WorkflowMetamodel {
	return w.metamodel
}

// Node returns the node instance bound to a workflow-local id.
func (w *WorkflowInstance) Node(nodeID string) (*NodeInstance, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n, ok := w.nodes[nodeID]
	return n, ok
}

// EntryNodes returns the workflow-local ids with no incoming edges.
func (w *WorkflowInstance) EntryNodes() []string {
	return w.metamodel.EntryNodeIDs()
}

// ExitNodes returns the workflow-local ids with no outgoing edges.
func (w *WorkflowInstance) ExitNodes() []string {
	return w.metamodel.ExitNodeIDs()
}

// EffectiveBindings returns the bindings applied on an edge: the
// explicit metamodel bindings overlaid with any adapter-learned
// entries (same source path overwrites).
func (w *WorkflowInstance) EffectiveBindings(edgeID string) map[string]string {
	edge, ok := w.metamodel.EdgeByID(edgeID)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(edge.Bindings))
	for src, tgt := range edge.Bindings {
		out[src] = tgt
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	for src, tgt := range w.learned[edgeID] {
		out[src] = tgt
	}
	return out
}

// RecordLearnedBindings layers adapter-learned bindings onto an edge
// for subsequent runs of this instance. Persistence back to the
// catalog is the orchestrator's job.
func (w *WorkflowInstance) RecordLearnedBindings(edgeID string, bindings map[string]string) {
	if len(bindings) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.learned[edgeID] == nil {
		w.learned[edgeID] = make(map[string]string, len(bindings))
	}
	for src, tgt := range bindings {
		w.learned[edgeID][src] = tgt
	}
}

// LearnedBindings returns the adapter-learned bindings accumulated on
// this instance, keyed by edge id.
func (w *WorkflowInstance) LearnedBindings() map[string]map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]map[string]string, len(w.learned))
	for edgeID, bindings := range w.learned {
		copied := make(map[string]string, len(bindings))
		for src, tgt := range bindings {
			copied[src] = tgt
		}
		out[edgeID] = copied
	}
	return out
}

// Depth returns the node's longest-path distance from the entry set.
func (w *WorkflowInstance) Depth(nodeID string) int {
	return w.depths[nodeID]
}

// computeDepths walks the DAG accumulating the longest path from any
// entry node. Used only to make observability traces deterministic.
func (w *WorkflowInstance) computeDepths() map[string]int {
	depths := make(map[string]int, len(w.metamodel.Nodes))
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depths[id]; ok {
			return d
		}
		depth := 0
		for _, e := range w.metamodel.IncomingEdges(id) {
			if d := visit(e.SourceNodeID) + 1; d > depth {
				depth = d
			}
		}
		depths[id] = depth
		return depth
	}
	for _, n := range w.metamodel.Nodes {
		visit(n.ID)
	}
	return depths
}

// NodeRegistry is the process-wide concurrent mapping from node
// metamodel id to its singleton NodeInstance. It is an injected
// collaborator, not a package global; its lifetime equals the engine
// that owns it.
type NodeRegistry struct {
	mu        sync.RWMutex
	instances map[string]*NodeInstance
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{instances: make(map[string]*NodeInstance)}
}

// Get returns the instance registered under the metamodel id.
func (r *NodeRegistry) Get(metamodelID string) (*NodeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.instances[metamodelID]
	if !ok {
		return nil, Errorf(CodeValidation, "no node instance registered for %q", metamodelID)
	}
	return instance, nil
}

// Register stores an instance under the metamodel id. Registering a
// nil instance, an empty id, or an id that is already present is an
// error.
func (r *NodeRegistry) Register(metamodelID string, instance *NodeInstance) error {
	if metamodelID == "" {
		return Errorf(CodeValidation, "node registry: empty metamodel id")
	}
	if instance == nil {
		return Errorf(CodeValidation, "node registry: nil instance for %q", metamodelID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[metamodelID]; exists {
		return Errorf(CodeValidation, "node registry: %q already registered", metamodelID)
	}
	r.instances[metamodelID] = instance
	return nil
}

// Remove drops the instance registered under the id, returning it so
// callers can unsubscribe it from update feeds.
func (r *NodeRegistry) Remove(metamodelID string) *NodeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance := r.instances[metamodelID]
	delete(r.instances, metamodelID)
	return instance
}

// Clear drops every registered instance.
func (r *NodeRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]*NodeInstance)
}

// Len returns the number of registered instances.
func (r *NodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// WorkflowRegistry is the process-wide concurrent mapping from
// workflow metamodel id to its hot WorkflowInstance.
type WorkflowRegistry struct {
	mu        sync.RWMutex
	instances map[string]*WorkflowInstance
}

// NewWorkflowRegistry creates an empty registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{instances: make(map[string]*WorkflowInstance)}
}

// Get returns the instance registered under the workflow id.
func (r *WorkflowRegistry) Get(workflowID string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.instances[workflowID]
	if !ok {
		return nil, Errorf(CodeValidation, "no workflow instance registered for %q", workflowID)
	}
	return instance, nil
}

// Register stores an instance under the workflow id with the same
// error semantics as NodeRegistry.Register.
func (r *WorkflowRegistry) Register(workflowID string, instance *WorkflowInstance) error {
	if workflowID == "" {
		return Errorf(CodeValidation, "workflow registry: empty workflow id")
	}
	if instance == nil {
		return Errorf(CodeValidation, "workflow registry: nil instance for %q", workflowID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[workflowID]; exists {
		return Errorf(CodeValidation, "workflow registry: %q already registered", workflowID)
	}
	r.instances[workflowID] = instance
	return nil
}

// Remove drops the instance registered under the id.
func (r *WorkflowRegistry) Remove(workflowID string) *WorkflowInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance := r.instances[workflowID]
	delete(r.instances, workflowID)
	return instance
}

// Clear drops every registered instance.
func (r *WorkflowRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]*WorkflowInstance)
}
