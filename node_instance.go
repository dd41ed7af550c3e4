package reflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EffectorTimeouts carries the per-kind I/O deadlines.
type EffectorTimeouts struct {
	LLM      time.Duration
	Rest     time.Duration
	VectorDB time.Duration
}

// DefaultEffectorTimeouts returns the spec'd defaults.
func DefaultEffectorTimeouts() EffectorTimeouts {
	return EffectorTimeouts{
		LLM:      60 * time.Second,
		Rest:     30 * time.Second,
		VectorDB: 15 * time.Second,
	}
}

// EffectorDeps bundles the external collaborators an instance needs.
// All fields are narrow interfaces; production wiring lives in
// llmprovider, retrieval, and net/http.
type EffectorDeps struct {
	ChatClients      ChatClientFactory
	EmbeddingClients EmbeddingClientFactory
	VectorSearcher   VectorSearcher
	HTTPClient       HTTPDoer
	Timeouts         EffectorTimeouts
	Logger           *slog.Logger
}

func (d EffectorDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NodeInstance is the runtime wrapper for one node metamodel. It is
// registered as a singleton per metamodel id and shared across
// workflow instances; all per-run state lives in the
// ExecutionContext. The metamodel reference is swapped atomically on
// update events, so in-flight executions finish under the reference
// they started with.
type NodeInstance struct {
	model atomic.Pointer[NodeMetamodel]
	deps  EffectorDeps
}

// NewNodeInstance creates an instance bound to the given metamodel.
func NewNodeInstance(model *NodeMetamodel, deps EffectorDeps) (*NodeInstance, error) {
	if model == nil {
		return nil, Errorf(CodeValidation, "node instance requires a metamodel")
	}
	if deps.Timeouts == (EffectorTimeouts{}) {
		deps.Timeouts = DefaultEffectorTimeouts()
	}
	n := &NodeInstance{deps: deps}
	n.model.Store(model)
	return n, nil
}

// Metamodel returns the instance's current metamodel reference.
func (n *NodeInstance) Metamodel() *NodeMetamodel {
	return n.model.Load()
}

// UpdateMetamodel swaps the metamodel reference. Executions that
// already started keep the prior reference; the next Execute observes
// the new one.
func (n *NodeInstance) UpdateMetamodel(model *NodeMetamodel) {
	if model != nil {
		n.model.Store(model)
	}
}

// Execute reads the node's declared input ports from the context
// under the workflow-local namespace nodeID, invokes the effector for
// the metamodel's kind, and returns the outputs keyed by output port
// key. The executor is responsible for writing outputs back; the
// instance itself never mutates the context.
func (n *NodeInstance) Execute(ctx context.Context, ec *ExecutionContext, nodeID string) (map[string]any, *TokenUsage, error) {
	return n.ExecuteWithInputs(ctx, n.CollectInputs(ec, nodeID))
}

// CollectInputs snapshots the node's declared input ports from the
// context under nodeID. The returned map is structurally independent
// of the context, so the scheduler can keep mutating the context
// while a worker executes the effector.
func (n *NodeInstance) CollectInputs(ec *ExecutionContext, nodeID string) map[string]any {
	inputs := n.collectInputs(ec, nodeID, n.Metamodel())
	for k, v := range inputs {
		inputs[k] = deepCopyValue(v)
	}
	return inputs
}

// ExecuteWithInputs dispatches to the effector for the metamodel's
// kind using an already-collected input snapshot.
func (n *NodeInstance) ExecuteWithInputs(ctx context.Context, inputs map[string]any) (map[string]any, *TokenUsage, error) {
	model := n.Metamodel()

	switch model.Kind {
	case NodeKindLLM:
		return n.runLLM(ctx, model, inputs)
	case NodeKindEmbeddings:
		outputs, err := n.runEmbeddings(ctx, model, inputs)
		return outputs, nil, err
	case NodeKindVectorDB:
		outputs, err := n.runVectorDB(ctx, model, inputs)
		return outputs, nil, err
	case NodeKindRest:
		outputs, err := n.runRest(ctx, model, inputs)
		return outputs, nil, err
	case NodeKindGateway:
		outputs := n.runGateway(model, inputs)
		return outputs, nil, nil
	default:
		return nil, nil, Errorf(CodeEffectorPermanent, "node %s: unknown kind %q", model.ID, model.Kind)
	}
}

// collectInputs reads each declared input port from the context,
// falling back to the port default, then the schema default.
func (n *NodeInstance) collectInputs(ec *ExecutionContext, nodeID string, model *NodeMetamodel) map[string]any {
	inputs := make(map[string]any, len(model.InputPorts))
	for _, port := range model.InputPorts {
		v := ec.Get(nodeID + "." + port.Key)
		if v == nil {
			v = port.DefaultValue
		}
		if v == nil && port.Schema != nil {
			v = port.Schema.DefaultValue
		}
		if v != nil {
			inputs[port.Key] = v
		}
	}
	return inputs
}

// MissingRequiredInputs returns the required input port keys that
// have no value in the context under nodeID and no default.
func (n *NodeInstance) MissingRequiredInputs(ec *ExecutionContext, nodeID string) []string {
	model := n.Metamodel()
	inputs := n.collectInputs(ec, nodeID, model)
	var missing []string
	for _, port := range model.InputPorts.Required() {
		if _, ok := inputs[port.Key]; !ok {
			missing = append(missing, port.Key)
		}
	}
	return missing
}

// retryTransient runs op with exponential backoff on transient
// effector failures: base 250ms, factor 2, at most 3 attempts.
// Permanent failures and context cancellation abort immediately.
func retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.Multiplier = 2
	policy.MaxInterval = 4 * time.Second
	policy.MaxElapsedTime = 0

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if attempts >= 3 || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// isTransient reports whether an effector error is worth retrying.
func isTransient(err error) bool {
	switch CodeOf(err) {
	case CodeEffectorTransient, CodeEffectorTimeout:
		return true
	default:
		return false
	}
}

// classifyContextErr converts a context error into the taxonomy.
func classifyContextErr(err error) error {
	if err == context.DeadlineExceeded {
		return WrapError(CodeEffectorTimeout, err, "effector deadline exceeded")
	}
	return WrapError(CodeEffectorPermanent, err, "effector canceled")
}

// stringify renders an input value for prompt assembly.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", val)
	}
}
