package reflow

import (
	"regexp"
	"sort"
	"time"
)

// ExecutionType selects the gating discipline of a workflow node.
type ExecutionType string

const (
	// ExecutionJoin fires only after every incoming edge has resolved.
	ExecutionJoin ExecutionType = "JOIN"

	// ExecutionMerge fires as soon as any incoming edge is active.
	ExecutionMerge ExecutionType = "MERGE"
)

// WorkflowNode binds a workflow-local id to a node metamodel.
type WorkflowNode struct {
	ID              string        `json:"id"`
	NodeMetamodelID string        `json:"node_metamodel_id"`
	ExecutionType   ExecutionType `json:"execution_type,omitempty"`
}

// Gating returns the node's execution type, defaulting to JOIN.
func (n WorkflowNode) Gating() ExecutionType {
	if n.ExecutionType == ExecutionMerge {
		return ExecutionMerge
	}
	return ExecutionJoin
}

// WorkflowEdge connects two workflow nodes and carries the port
// bindings applied when the source completes. Bindings map a dotted
// source output port path to a dotted target input port path.
type WorkflowEdge struct {
	ID           string            `json:"id"`
	SourceNodeID string            `json:"source_node_id"`
	TargetNodeID string            `json:"target_node_id"`
	Bindings     map[string]string `json:"bindings,omitempty"`
	Condition    *EdgeCondition    `json:"condition,omitempty"`
}

// HandledIntent records that a workflow can serve an intent, with the
// routing score used for candidate ranking.
type HandledIntent struct {
	IntentID     string     `json:"intent_id"`
	Score        float64    `json:"score"`
	LastExecuted *time.Time `json:"last_executed,omitempty"`
}

// WorkflowMetamodel is the design-time specification of a workflow:
// an ordered node set, an ordered edge set inducing a DAG, and the
// intents the workflow declares it can handle.
type WorkflowMetamodel struct {
	ID             string          `json:"id"`
	Version        Version         `json:"version"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Nodes          []WorkflowNode  `json:"nodes"`
	Edges          []WorkflowEdge  `json:"edges"`
	HandledIntents []HandledIntent `json:"handled_intents,omitempty"`
	Enabled        bool            `json:"enabled"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at,omitempty"`
}

// NodeByID returns the workflow node with the given local id.
func (w *WorkflowMetamodel) NodeByID(id string) (WorkflowNode, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// EdgeByID returns the edge with the given id.
func (w *WorkflowMetamodel) EdgeByID(id string) (*WorkflowEdge, bool) {
	for i := range w.Edges {
		if w.Edges[i].ID == id {
			return &w.Edges[i], true
		}
	}
	return nil, false
}

// IncomingEdges returns the edges targeting the given node, in edge
// declaration order.
func (w *WorkflowMetamodel) IncomingEdges(nodeID string) []WorkflowEdge {
	var out []WorkflowEdge
	for _, e := range w.Edges {
		if e.TargetNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingEdges returns the edges originating at the given node.
func (w *WorkflowMetamodel) OutgoingEdges(nodeID string) []WorkflowEdge {
	var out []WorkflowEdge
	for _, e := range w.Edges {
		if e.SourceNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// HandledIntent returns the handled-intent entry for intentID.
func (w *WorkflowMetamodel) HandledIntent(intentID string) (HandledIntent, bool) {
	for _, h := range w.HandledIntents {
		if h.IntentID == intentID {
			return h, true
		}
	}
	return HandledIntent{}, false
}

// MetamodelResolver resolves a node metamodel id to its definition.
// The catalog satisfies this at load time.
type MetamodelResolver func(nodeMetamodelID string) (*NodeMetamodel, error)

// Validate checks the workflow's integrity: unique node and edge ids,
// edges referencing known nodes, an acyclic edge set, and, when a
// resolver is supplied, every node metamodel enabled and every
// binding path reachable with compatible schemas on both ends. Any
// static cycle is rejected, including cycles reachable only through
// conditionally-inactive edges.
func (w *WorkflowMetamodel) Validate(resolve MetamodelResolver) error {
	if w.ID == "" {
		return Errorf(CodeValidation, "workflow id is required")
	}
	if len(w.Nodes) == 0 {
		return Errorf(CodeValidation, "workflow %s has no nodes", w.ID)
	}

	nodeIDs := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" || n.NodeMetamodelID == "" {
			return Errorf(CodeValidation, "workflow %s: node ids are required", w.ID)
		}
		if _, dup := nodeIDs[n.ID]; dup {
			return Errorf(CodeValidation, "workflow %s: duplicate node id %q", w.ID, n.ID)
		}
		nodeIDs[n.ID] = struct{}{}
	}

	edgeIDs := make(map[string]struct{}, len(w.Edges))
	for _, e := range w.Edges {
		if _, dup := edgeIDs[e.ID]; dup {
			return Errorf(CodeValidation, "workflow %s: duplicate edge id %q", w.ID, e.ID)
		}
		edgeIDs[e.ID] = struct{}{}
		if _, ok := nodeIDs[e.SourceNodeID]; !ok {
			return Errorf(CodeDanglingEdge, "workflow %s: edge %s references unknown source %q", w.ID, e.ID, e.SourceNodeID)
		}
		if _, ok := nodeIDs[e.TargetNodeID]; !ok {
			return Errorf(CodeDanglingEdge, "workflow %s: edge %s references unknown target %q", w.ID, e.ID, e.TargetNodeID)
		}
	}

	if err := w.checkAcyclic(); err != nil {
		return err
	}

	if resolve == nil {
		return nil
	}

	models := make(map[string]*NodeMetamodel, len(w.Nodes))
	for _, n := range w.Nodes {
		model, err := resolve(n.NodeMetamodelID)
		if err != nil {
			return WrapError(CodeValidation, err, "workflow %s: resolving node %s", w.ID, n.ID)
		}
		if !model.Enabled {
			return Errorf(CodeValidation, "workflow %s: node %s references disabled metamodel %s", w.ID, n.ID, model.ID)
		}
		models[n.ID] = model
	}

	for _, e := range w.Edges {
		src := models[e.SourceNodeID]
		tgt := models[e.TargetNodeID]
		for srcPath, tgtPath := range e.Bindings {
			srcSchema, err := src.OutputPorts.SchemaByPath(srcPath)
			if err != nil {
				return WrapError(CodeDanglingEdge, err, "workflow %s: edge %s: source path %q", w.ID, e.ID, srcPath)
			}
			tgtSchema, err := tgt.InputPorts.SchemaByPath(tgtPath)
			if err != nil {
				return WrapError(CodeDanglingEdge, err, "workflow %s: edge %s: target path %q", w.ID, e.ID, tgtPath)
			}
			if !IsCompatible(srcSchema, tgtSchema) {
				return Errorf(CodeValidation, "workflow %s: edge %s: binding %q -> %q has incompatible schemas", w.ID, e.ID, srcPath, tgtPath)
			}
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the edge set.
func (w *WorkflowMetamodel) checkAcyclic() error {
	inDegree := make(map[string]int, len(w.Nodes))
	successors := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range w.Edges {
		successors[e.SourceNodeID] = append(successors[e.SourceNodeID], e.TargetNodeID)
		inDegree[e.TargetNodeID]++
	}

	queue := make([]string, 0, len(w.Nodes))
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if processed != len(w.Nodes) {
		return Errorf(CodeWorkflowCycle, "workflow %s: edge set contains a cycle", w.ID)
	}
	return nil
}

// EntryNodeIDs returns the nodes with no incoming edges, in node
// declaration order.
func (w *WorkflowMetamodel) EntryNodeIDs() []string {
	incoming := make(map[string]bool)
	for _, e := range w.Edges {
		incoming[e.TargetNodeID] = true
	}
	var out []string
	for _, n := range w.Nodes {
		if !incoming[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}

// ExitNodeIDs returns the nodes with no outgoing edges, in node
// declaration order.
func (w *WorkflowMetamodel) ExitNodeIDs() []string {
	outgoing := make(map[string]bool)
	for _, e := range w.Edges {
		outgoing[e.SourceNodeID] = true
	}
	var out []string
	for _, n := range w.Nodes {
		if !outgoing[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}

var intentNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// IntentMetamodel names a user intent the system can route. Intents
// are created through the catalog or proposed at runtime by the
// detector.
type IntentMetamodel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AIGenerated bool      `json:"ai_generated,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Validate checks the intent name is UPPER_SNAKE_CASE.
func (i *IntentMetamodel) Validate() error {
	if i.ID == "" {
		return Errorf(CodeValidation, "intent id is required")
	}
	if !intentNamePattern.MatchString(i.Name) {
		return Errorf(CodeValidation, "intent name %q must be UPPER_SNAKE_CASE", i.Name)
	}
	return nil
}
