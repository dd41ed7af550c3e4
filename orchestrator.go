package reflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WorkflowStore is the catalog surface the orchestrator needs:
// candidate lookup by intent and write-back of what a run learned.
type WorkflowStore interface {
	// WorkflowsByHandledIntent returns the enabled workflows that
	// declare the intent as handled.
	WorkflowsByHandledIntent(ctx context.Context, intentID string) ([]*WorkflowMetamodel, error)

	// MergeEdgeBindings coalesces adapter-learned bindings onto a
	// workflow edge; an existing entry for the same source path is
	// overwritten.
	MergeEdgeBindings(ctx context.Context, workflowID, edgeID string, bindings map[string]string) error

	// TouchHandledIntent records when a workflow last executed for an
	// intent.
	TouchHandledIntent(ctx context.Context, workflowID, intentID string, at time.Time) error
}

// OrchestrationResult is the terminal artifact of one request.
type OrchestrationResult struct {
	RequestID     string                       `json:"request_id"`
	IntentID      string                       `json:"intent_id"`
	IntentName    string                       `json:"intent_name"`
	IntentCreated bool                         `json:"intent_created"`
	WorkflowID    string                       `json:"workflow_id"`
	Outputs       map[string]any               `json:"outputs"`
	Report        *WorkflowObservabilityReport `json:"report,omitempty"`
}

// Orchestrator is the end-to-end pipeline for a free-form request:
// detect the intent, route to a workflow, map the request onto the
// entry ports, execute, and reflect what the run learned back into
// the catalog. Each stage short-circuits on failure.
type Orchestrator struct {
	detector  *IntentDetector
	router    *WorkflowRouter
	mapper    *InputMapper
	executor  *Executor
	workflows *WorkflowRegistry
	store     WorkflowStore
	handler   EventHandler
	logger    *slog.Logger
	now       func() time.Time
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Detector  *IntentDetector
	Router    *WorkflowRouter
	Mapper    *InputMapper
	Executor  *Executor
	Workflows *WorkflowRegistry
	Store     WorkflowStore
	Handler   EventHandler
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewOrchestrator validates the wiring and returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Detector == nil:
		return nil, Errorf(CodeValidation, "orchestrator requires an intent detector")
	case cfg.Router == nil:
		return nil, Errorf(CodeValidation, "orchestrator requires a workflow router")
	case cfg.Mapper == nil:
		return nil, Errorf(CodeValidation, "orchestrator requires an input mapper")
	case cfg.Executor == nil:
		return nil, Errorf(CodeValidation, "orchestrator requires an executor")
	case cfg.Workflows == nil:
		return nil, Errorf(CodeValidation, "orchestrator requires a workflow registry")
	case cfg.Store == nil:
		return nil, Errorf(CodeValidation, "orchestrator requires a workflow store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		detector:  cfg.Detector,
		router:    cfg.Router,
		mapper:    cfg.Mapper,
		executor:  cfg.Executor,
		workflows: cfg.Workflows,
		store:     cfg.Store,
		handler:   cfg.Handler,
		logger:    logger,
		now:       now,
	}, nil
}

// Handle runs the full pipeline for one request. When execution
// starts, the observability report is returned even if the run fails;
// adapter-learned bindings that validated before the failure are
// still reflected into the catalog.
func (o *Orchestrator) Handle(ctx context.Context, request string) (*OrchestrationResult, error) {
	requestID := uuid.NewString()
	result := &OrchestrationResult{RequestID: requestID}

	detected, err := o.detector.Detect(ctx, request)
	if err != nil {
		return nil, err
	}
	result.IntentID = detected.Intent.ID
	result.IntentName = detected.Intent.Name
	result.IntentCreated = detected.Created
	o.emit(NewEvent(EventIntentDetected, requestID).
		WithPayload("intent", detected.Intent.Name).
		WithPayload("confidence", detected.Confidence).
		WithPayload("created", detected.Created))

	workflowID, err := o.route(ctx, detected.Intent.ID)
	if err != nil {
		return nil, err
	}
	result.WorkflowID = workflowID
	o.emit(NewEvent(EventWorkflowRouted, requestID).
		WithPayload("intent", detected.Intent.Name).
		WithPayload("workflow", workflowID))

	instance, err := o.workflows.Get(workflowID)
	if err != nil {
		return nil, WrapError(CodeNoWorkflowForIntent, err, "routed workflow is not registered")
	}

	ec := NewExecutionContext()
	if err := o.mapper.Map(ctx, ec, request, detected.UserVariables, instance); err != nil {
		return nil, err
	}

	report, execErr := o.executor.Execute(ctx, instance, ec)
	result.Report = report

	o.reflect(ctx, instance, detected.Intent.ID)

	if execErr != nil {
		return result, execErr
	}
	result.Outputs = exitOutputs(instance, ec)
	o.logger.Info("request completed",
		"request", requestID,
		"intent", detected.Intent.Name,
		"workflow", workflowID,
		"nodes", report.Aggregates.TotalNodes)
	return result, nil
}

// route ranks the workflows handling the intent and samples one.
func (o *Orchestrator) route(ctx context.Context, intentID string) (string, error) {
	workflows, err := o.store.WorkflowsByHandledIntent(ctx, intentID)
	if err != nil {
		return "", WrapError(CodeNoWorkflowForIntent, err, "loading candidates for intent %s", intentID)
	}
	var candidates []WorkflowCandidate
	for _, w := range workflows {
		if !w.Enabled {
			continue
		}
		if h, ok := w.HandledIntent(intentID); ok {
			candidates = append(candidates, WorkflowCandidate{WorkflowID: w.ID, Score: h.Score})
		}
	}
	if len(candidates) == 0 {
		return "", Errorf(CodeNoWorkflowForIntent, "no enabled workflow handles intent %s", intentID)
	}
	chosen, err := o.router.Route(candidates)
	if err != nil {
		return "", err
	}
	return chosen.WorkflowID, nil
}

// reflect flushes what the run learned: adapter bindings onto their
// edges and the intent's execution timestamp. Reflection runs even
// after a failed execution, so bindings that validated mid-run are
// not lost. Failures here are logged, not fatal; the run's outcome
// already stands.
func (o *Orchestrator) reflect(ctx context.Context, instance *WorkflowInstance, intentID string) {
	workflowID := instance.Metamodel().ID
	for edgeID, bindings := range instance.LearnedBindings() {
		if err := o.store.MergeEdgeBindings(ctx, workflowID, edgeID, bindings); err != nil {
			o.logger.Error("persisting learned bindings failed",
				"workflow", workflowID, "edge", edgeID, "error", err)
		}
	}
	if err := o.store.TouchHandledIntent(ctx, workflowID, intentID, o.now()); err != nil {
		o.logger.Error("recording intent execution failed",
			"workflow", workflowID, "intent", intentID, "error", err)
	}
}

func (o *Orchestrator) emit(e Event) {
	if o.handler != nil {
		o.handler(e)
	}
}

// exitOutputs collects each exit node's output namespace from the
// terminal context.
func exitOutputs(instance *WorkflowInstance, ec *ExecutionContext) map[string]any {
	outputs := make(map[string]any)
	for _, nodeID := range instance.ExitNodes() {
		if v := ec.Get(nodeID); v != nil {
			outputs[nodeID] = deepCopyValue(v)
		}
	}
	return outputs
}
