package reflow

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// maxWorkers caps the intra-workflow worker pool.
const maxWorkers = 16

// Executor walks a workflow instance's DAG, running every runnable
// node exactly once under the JOIN/MERGE gating rules, and produces
// an observability report. Context mutations are serialized on the
// scheduler goroutine; effectors run on a bounded worker pool and
// only see input snapshots.
type Executor struct {
	adapter *PortAdapter
	handler EventHandler
	logger  *slog.Logger
	now     func() time.Time
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Adapter resolves missing required inputs at runtime. Nil
	// disables adaptation; missing inputs then fail immediately.
	Adapter *PortAdapter

	// Handler receives engine events during execution.
	Handler EventHandler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now provides the current time (for testing).
	Now func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		adapter: cfg.Adapter,
		handler: cfg.Handler,
		logger:  logger,
		now:     now,
	}
}

// nodeRun tracks one node's progress through the run.
type nodeRun struct {
	workflowNode WorkflowNode
	state        NodeState
	report       NodeReport
	fired        bool // MERGE nodes fire at most once
}

// workResult carries an effector outcome back to the scheduler.
type workResult struct {
	nodeID  string
	outputs map[string]any
	usage   *TokenUsage
	err     error
}

// run is the mutable state of one execution.
type run struct {
	executor *Executor
	instance *WorkflowInstance
	ec       *ExecutionContext
	report   *WorkflowObservabilityReport
	started  time.Time

	nodes        map[string]*nodeRun
	edgeResolved map[string]bool
	edgeActive   map[string]bool
	edgeReports  map[string]*EdgeReport

	ready   []string
	running int
}

// Execute runs the workflow instance against the context and returns
// the observability report. The report is returned even on failure,
// with the error recorded on it.
func (x *Executor) Execute(ctx context.Context, instance *WorkflowInstance, ec *ExecutionContext) (*WorkflowObservabilityReport, error) {
	runID := uuid.NewString()
	started := x.now()

	r := &run{
		executor: x,
		instance: instance,
		ec:       ec,
		started:  started,
		report: &WorkflowObservabilityReport{
			RunID:      runID,
			WorkflowID: instance.Metamodel().ID,
			StartedAt:  started,
		},
		nodes:        make(map[string]*nodeRun),
		edgeResolved: make(map[string]bool),
		edgeActive:   make(map[string]bool),
		edgeReports:  make(map[string]*EdgeReport),
	}
	for _, wn := range instance.Metamodel().Nodes {
		model := mustModel(instance, wn.ID)
		r.nodes[wn.ID] = &nodeRun{
			workflowNode: wn,
			state:        StatePending,
			report: NodeReport{
				NodeID:   wn.ID,
				NodeKind: model.Kind,
				State:    StatePending,
			},
		}
	}
	for _, e := range instance.Metamodel().Edges {
		r.edgeReports[e.ID] = &EdgeReport{
			EdgeID:       e.ID,
			SourceNodeID: e.SourceNodeID,
			TargetNodeID: e.TargetNodeID,
		}
	}

	r.emit(NewEvent(EventRunStarted, runID).WithPayload("workflow", instance.Metamodel().ID))

	err := r.loop(ctx)

	r.finish(err)
	if err != nil {
		return r.report, err
	}
	return r.report, nil
}

func mustModel(instance *WorkflowInstance, nodeID string) *NodeMetamodel {
	n, _ := instance.Node(nodeID)
	return n.Metamodel()
}

func (r *run) emit(e Event) {
	e.Elapsed = r.executor.now().Sub(r.started)
	if r.executor.handler != nil {
		r.executor.handler(e)
	}
}

// loop is the scheduler: it admits entry nodes, dispatches READY
// nodes to the worker pool, and folds results back into gating state
// until nothing is runnable.
func (r *run) loop(ctx context.Context) error {
	poolSize := len(r.nodes)
	if poolSize > maxWorkers {
		poolSize = maxWorkers
	}
	if poolSize < 1 {
		poolSize = 1
	}

	type workItem struct {
		nodeID string
		inputs map[string]any
	}
	workCh := make(chan workItem)
	resultCh := make(chan workResult)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < poolSize; i++ {
		go func() {
			for {
				select {
				case <-workerCtx.Done():
					return
				case item, ok := <-workCh:
					if !ok {
						return
					}
					instance, _ := r.instance.Node(item.nodeID)
					outputs, usage, err := instance.ExecuteWithInputs(workerCtx, item.inputs)
					select {
					case resultCh <- workResult{nodeID: item.nodeID, outputs: outputs, usage: usage, err: err}:
					case <-workerCtx.Done():
						return
					}
				}
			}
		}()
	}
	defer close(workCh)

	// Entry nodes start READY immediately.
	for _, id := range r.instance.EntryNodes() {
		if err := r.admit(ctx, id); err != nil {
			return err
		}
	}
	// A workflow whose every node has incoming edges was rejected at
	// validation; an empty ready set here means nothing to do.

	for {
		if len(r.ready) > 0 {
			// Dispatch READY nodes in deterministic (depth, id)
			// order; inputs are snapshotted on this goroutine. The
			// send races against result delivery so a full pool
			// never wedges the scheduler: workers blocked on
			// resultCh are drained while the next item waits.
			sort.Slice(r.ready, func(i, j int) bool {
				di, dj := r.instance.Depth(r.ready[i]), r.instance.Depth(r.ready[j])
				if di != dj {
					return di < dj
				}
				return r.ready[i] < r.ready[j]
			})
			nodeID := r.ready[0]
			node := r.nodes[nodeID]
			instance, _ := r.instance.Node(nodeID)
			inputs := instance.CollectInputs(r.ec, nodeID)
			select {
			case workCh <- workItem{nodeID: nodeID, inputs: inputs}:
				r.ready = r.ready[1:]
				node.state = StateRunning
				node.report.State = StateRunning
				node.report.StartedAt = r.executor.now()
				r.running++
				r.emit(NewEvent(EventNodeStarted, r.report.RunID).WithNode(nodeID, node.report.NodeKind))
			case result := <-resultCh:
				r.running--
				if err := r.handleResult(ctx, result); err != nil {
					return err
				}
			case <-ctx.Done():
				return WrapError(CodeEffectorTimeout, ctx.Err(), "run canceled")
			}
			continue
		}

		if r.running == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return WrapError(CodeEffectorTimeout, ctx.Err(), "run canceled")
		case result := <-resultCh:
			r.running--
			if err := r.handleResult(ctx, result); err != nil {
				return err
			}
		}
	}
}

// handleResult folds one effector outcome into the run: it publishes
// outputs, resolves outgoing edges, and re-evaluates gating on every
// downstream target.
func (r *run) handleResult(ctx context.Context, result workResult) error {
	node := r.nodes[result.nodeID]
	node.report.EndedAt = r.executor.now()
	node.report.Duration = node.report.EndedAt.Sub(node.report.StartedAt)
	node.report.Usage = result.usage

	if result.err != nil {
		node.state = StateFailed
		node.report.State = StateFailed
		node.report.Error = result.err.Error()
		node.report.ErrorCode = CodeOf(result.err)
		r.emit(NewEvent(EventNodeFailed, r.report.RunID).
			WithNode(result.nodeID, node.report.NodeKind).
			WithPayload("error", result.err.Error()))

		model := mustModel(r.instance, result.nodeID)
		if !model.NonFatal {
			return result.err
		}
		// Non-fatal failure: downstream edges resolve inactive.
		r.executor.logger.Warn("node failed non-fatally",
			"run", r.report.RunID, "node", result.nodeID, "error", result.err)
		return r.resolveOutgoing(ctx, result.nodeID, false)
	}

	// Side-effects publish only after success: write outputs under
	// the node's namespace, then diff for the report.
	before := r.ec.Snapshot()
	for key, value := range result.outputs {
		if err := r.ec.Put(result.nodeID+"."+key, value); err != nil {
			return WrapError(CodeValidation, err, "publishing output %q of node %s", key, result.nodeID)
		}
	}
	node.state = StateCompleted
	node.report.State = StateCompleted
	node.report.Success = true
	node.report.Diff = DiffSnapshots(before, r.ec.Snapshot())
	r.emit(NewEvent(EventNodeFinished, r.report.RunID).WithNode(result.nodeID, node.report.NodeKind))

	return r.resolveOutgoing(ctx, result.nodeID, true)
}

// resolveOutgoing marks every outgoing edge of nodeID resolved,
// evaluates conditions for active edges, applies bindings, and
// updates gating on the targets.
func (r *run) resolveOutgoing(ctx context.Context, nodeID string, sourceSucceeded bool) error {
	for _, edge := range r.instance.Metamodel().OutgoingEdges(nodeID) {
		r.edgeResolved[edge.ID] = true
		active := false
		if sourceSucceeded {
			active = edge.Condition.Evaluate(r.ec)
			outcome := active
			r.edgeReports[edge.ID].ConditionResult = &outcome
			r.emit(NewEvent(EventEdgeEvaluated, r.report.RunID).
				WithEdge(edge.ID).
				WithPayload("active", active))
		}
		r.edgeActive[edge.ID] = active

		if active {
			applied := r.applyBindings(edge)
			if len(applied) > 0 {
				r.edgeReports[edge.ID].AppliedBindings = applied
				r.emit(NewEvent(EventBindingsApplied, r.report.RunID).
					WithEdge(edge.ID).
					WithPayload("bindings", len(applied)))
			}
		}

		if err := r.updateGating(ctx, edge.TargetNodeID); err != nil {
			return err
		}
	}
	return nil
}

// applyBindings copies each bound source output path to the target
// input path. Paths are interpreted against the port namespaces of
// the two endpoint nodes.
func (r *run) applyBindings(edge WorkflowEdge) map[string]string {
	bindings := r.instance.EffectiveBindings(edge.ID)
	applied := make(map[string]string, len(bindings))
	keys := make([]string, 0, len(bindings))
	for src := range bindings {
		keys = append(keys, src)
	}
	sort.Strings(keys)
	for _, srcPath := range keys {
		tgtPath := bindings[srcPath]
		value := r.ec.Get(edge.SourceNodeID + "." + srcPath)
		if value == nil {
			continue
		}
		if err := r.ec.Put(edge.TargetNodeID+"."+tgtPath, deepCopyValue(value)); err != nil {
			continue
		}
		applied[srcPath] = tgtPath
	}
	return applied
}

// updateGating re-evaluates the gating predicate for a target node
// and admits, skips, or fails it accordingly.
func (r *run) updateGating(ctx context.Context, nodeID string) error {
	node := r.nodes[nodeID]
	if node.state != StatePending {
		return nil
	}
	incoming := r.instance.Metamodel().IncomingEdges(nodeID)

	switch node.workflowNode.Gating() {
	case ExecutionMerge:
		for _, e := range incoming {
			if r.edgeActive[e.ID] && !node.fired {
				node.fired = true
				return r.admit(ctx, nodeID)
			}
		}
		if r.allResolved(incoming) {
			r.skip(nodeID)
			return r.resolveOutgoing(ctx, nodeID, false)
		}
		return nil
	default: // JOIN
		if !r.allResolved(incoming) {
			return nil
		}
		anyActive := false
		for _, e := range incoming {
			if r.edgeActive[e.ID] {
				anyActive = true
				break
			}
		}
		if !anyActive {
			r.skip(nodeID)
			return r.resolveOutgoing(ctx, nodeID, false)
		}
		return r.admit(ctx, nodeID)
	}
}

func (r *run) allResolved(edges []WorkflowEdge) bool {
	for _, e := range edges {
		if !r.edgeResolved[e.ID] {
			return false
		}
	}
	return true
}

func (r *run) skip(nodeID string) {
	node := r.nodes[nodeID]
	node.state = StateSkipped
	node.report.State = StateSkipped
	r.emit(NewEvent(EventNodeSkipped, r.report.RunID).WithNode(nodeID, node.report.NodeKind))
}

// admit moves a node to READY, consulting the port adapter first when
// required inputs are missing on a JOIN node.
func (r *run) admit(ctx context.Context, nodeID string) error {
	node := r.nodes[nodeID]
	instance, _ := r.instance.Node(nodeID)

	missing := instance.MissingRequiredInputs(r.ec, nodeID)
	if len(missing) > 0 && node.workflowNode.Gating() == ExecutionJoin && r.executor.adapter != nil {
		if err := r.adapt(ctx, nodeID, missing); err != nil {
			return err
		}
		missing = instance.MissingRequiredInputs(r.ec, nodeID)
	}
	if len(missing) > 0 {
		node.state = StateFailed
		node.report.State = StateFailed
		node.report.ErrorCode = CodeUnsatisfiedInputs
		err := Errorf(CodeUnsatisfiedInputs, "node %s: required inputs %v remain unsatisfied", nodeID, missing)
		node.report.Error = err.Error()
		r.emit(NewEvent(EventNodeFailed, r.report.RunID).
			WithNode(nodeID, node.report.NodeKind).
			WithPayload("error", err.Error()))
		return err
	}

	node.state = StateReady
	node.report.State = StateReady
	r.ready = append(r.ready, nodeID)
	r.emit(NewEvent(EventNodeReady, r.report.RunID).WithNode(nodeID, node.report.NodeKind))
	return nil
}

// adapt invokes the port adapter for a target node's unsatisfied
// required inputs, applies returned bindings to the context, and
// records them on the inducing edges for persistence.
func (r *run) adapt(ctx context.Context, nodeID string, missing []string) error {
	targetInstance, _ := r.instance.Node(nodeID)
	target := targetInstance.Metamodel()

	// Candidate sources: completed nodes whose active edges feed this
	// target.
	var sources []AdapterSource
	edgeBySource := make(map[string]string)
	for _, e := range r.instance.Metamodel().IncomingEdges(nodeID) {
		if !r.edgeActive[e.ID] {
			continue
		}
		src := r.nodes[e.SourceNodeID]
		if src.state != StateCompleted {
			continue
		}
		srcInstance, _ := r.instance.Node(e.SourceNodeID)
		sources = append(sources, AdapterSource{
			NodeID:    e.SourceNodeID,
			Metamodel: srcInstance.Metamodel(),
		})
		edgeBySource[e.SourceNodeID] = e.ID
	}

	r.emit(NewEvent(EventAdaptationStarted, r.report.RunID).
		WithNode(nodeID, target.Kind).
		WithPayload("missing", missing))

	record := AdaptationReport{NodeID: nodeID, MissingInputs: missing}
	bindings, err := r.executor.adapter.Adapt(ctx, AdaptationRequest{
		Target:        target,
		TargetNodeID:  nodeID,
		MissingInputs: missing,
		Sources:       sources,
	})
	if err != nil {
		record.Error = err.Error()
		r.report.Adaptations = append(r.report.Adaptations, record)
		r.emit(NewEvent(EventAdaptationFailed, r.report.RunID).
			WithNode(nodeID, target.Kind).
			WithPayload("error", err.Error()))
		return err
	}

	record.Success = true
	record.ProposedBindings = make(map[string]string, len(bindings))
	learnedByEdge := make(map[string]map[string]string)
	for sourceKey, tgtPath := range bindings {
		record.ProposedBindings[sourceKey] = tgtPath
		sourceNodeID, srcPath := splitPortPath(sourceKey)
		value := r.ec.Get(sourceKey)
		if value != nil {
			_ = r.ec.Put(nodeID+"."+tgtPath, deepCopyValue(value))
		}
		if edgeID, ok := edgeBySource[sourceNodeID]; ok {
			if learnedByEdge[edgeID] == nil {
				learnedByEdge[edgeID] = make(map[string]string)
			}
			learnedByEdge[edgeID][srcPath] = tgtPath
		}
	}
	for edgeID, learned := range learnedByEdge {
		r.instance.RecordLearnedBindings(edgeID, learned)
	}
	r.report.Adaptations = append(r.report.Adaptations, record)
	r.emit(NewEvent(EventAdaptationSucceeded, r.report.RunID).
		WithNode(nodeID, target.Kind).
		WithPayload("bindings", len(bindings)))
	return nil
}

// finish closes out the report: unreached nodes are marked skipped,
// aggregates are computed, and the terminal event is emitted.
func (r *run) finish(err error) {
	for _, wn := range r.instance.Metamodel().Nodes {
		node := r.nodes[wn.ID]
		if node.state == StatePending || node.state == StateReady {
			node.report.State = StateSkipped
		}
		r.report.Nodes = append(r.report.Nodes, node.report)
	}
	for _, e := range r.instance.Metamodel().Edges {
		r.report.Edges = append(r.report.Edges, *r.edgeReports[e.ID])
	}
	r.report.EndedAt = r.executor.now()
	r.report.Success = err == nil
	if err != nil {
		r.report.Error = err.Error()
		r.report.ErrorCode = CodeOf(err)
	}
	r.report.Finalize()

	event := NewEvent(EventRunFinished, r.report.RunID).
		WithPayload("success", r.report.Success)
	if err != nil {
		event = event.WithPayload("error", err.Error())
	}
	r.emit(event)
}
