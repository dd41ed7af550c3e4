package reflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// InputMapper hydrates the initial ExecutionContext for a run. It
// shows an LLM the request text, the variables the detector already
// extracted, and the entry nodes' required input ports, and merges
// the returned flat scalar bindings into the context. The merge only
// commits when every entry node's required inputs validate.
type InputMapper struct {
	client      ChatClient
	model       string
	temperature float64
	logger      *slog.Logger
}

// InputMapperConfig configures an InputMapper.
type InputMapperConfig struct {
	Model       string
	Temperature float64
	Logger      *slog.Logger
}

// NewInputMapper creates a mapper.
func NewInputMapper(client ChatClient, cfg InputMapperConfig) (*InputMapper, error) {
	if client == nil {
		return nil, Errorf(CodeValidation, "input mapper requires a chat client")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &InputMapper{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

const mapperSystemPrompt = `You populate the input ports of a workflow from a user request.

Respond with a single JSON object:
{"bindings": {"<nodeId>.<portDottedPath>": <scalar>, ...}}

Rules:
- Keys must be taken from the REQUIRED INPUTS list, exactly as written. Nested fields of an object port may be addressed by extending the listed key with further dotted segments.
- Values must be primitive scalars (string, number, boolean). Express objects or arrays as multiple dotted entries.
- Use the extracted variables and the request text. Do not invent values that are not implied by the request.`

// mapperProposal is the wire form the LLM must return.
type mapperProposal struct {
	Bindings map[string]any `json:"bindings"`
}

// Map populates the entry nodes' required inputs in ec from the
// request. It fails with INSUFFICIENT_INPUTS when the request does
// not carry enough information to satisfy every required port.
func (m *InputMapper) Map(ctx context.Context, ec *ExecutionContext, request string, userVariables map[string]any, instance *WorkflowInstance) error {
	required := entryRequiredPorts(instance)
	if len(required) == 0 {
		return nil
	}

	temp := m.temperature
	resp, err := m.client.Complete(ctx, ChatRequest{
		Model: m.model,
		Messages: []ChatMessage{
			{Role: "system", Content: mapperSystemPrompt},
			{Role: "user", Content: buildMapperPrompt(request, userVariables, required)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return WrapError(CodeInsufficientInputs, err, "input mapping call failed")
	}

	raw, ok := ExtractJSON(resp.Text)
	if !ok {
		return Errorf(CodeStructuredOutputParse, "mapper response contains no JSON object")
	}
	var proposal mapperProposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return WrapError(CodeStructuredOutputParse, err, "decoding mapper bindings")
	}

	// Stage the merge on a scratch copy so a rejected proposal leaves
	// the caller's context untouched.
	staged := NewExecutionContextFrom(ec)
	for path, value := range proposal.Bindings {
		if !isScalar(value) {
			return Errorf(CodeInsufficientInputs, "mapper binding %q has non-scalar value", path)
		}
		if err := staged.Put(path, value); err != nil {
			return WrapError(CodeInsufficientInputs, err, "applying mapper binding %q", path)
		}
	}

	var unsatisfied []string
	for _, rp := range required {
		value := staged.Get(rp.path)
		if value == nil && rp.port.DefaultValue != nil {
			value = rp.port.DefaultValue
		}
		if !IsValidValue(value, rp.port.Schema) {
			unsatisfied = append(unsatisfied, rp.path)
		}
	}
	if len(unsatisfied) > 0 {
		return Errorf(CodeInsufficientInputs, "required inputs %v remain unsatisfied by the request", unsatisfied)
	}

	if err := ec.PutAll(staged.Snapshot()); err != nil {
		return WrapError(CodeInsufficientInputs, err, "committing mapped inputs")
	}
	m.logger.Debug("inputs mapped",
		"workflow", instance.Metamodel().ID, "bindings", len(proposal.Bindings))
	return nil
}

// requiredPort pairs an entry-node port with its namespaced context
// path.
type requiredPort struct {
	path string
	port Port
}

// entryRequiredPorts lists the required input ports of every entry
// node, namespaced by the workflow-local node id.
func entryRequiredPorts(instance *WorkflowInstance) []requiredPort {
	var out []requiredPort
	for _, nodeID := range instance.EntryNodes() {
		node, ok := instance.Node(nodeID)
		if !ok {
			continue
		}
		for _, port := range node.Metamodel().InputPorts.Required() {
			out = append(out, requiredPort{path: nodeID + "." + port.Key, port: port})
		}
	}
	return out
}

func buildMapperPrompt(request string, userVariables map[string]any, required []requiredPort) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER REQUEST: %s\n", request)
	if len(userVariables) > 0 {
		if data, err := json.Marshal(userVariables); err == nil {
			fmt.Fprintf(&b, "\nEXTRACTED VARIABLES: %s\n", data)
		}
	}
	b.WriteString("\nREQUIRED INPUTS:\n")
	for _, rp := range required {
		fmt.Fprintf(&b, "- %s: %s\n", rp.path, SchemaJSON(rp.port.Schema))
	}
	return b.String()
}

// isScalar reports whether a decoded JSON value is a primitive.
func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, int, int64, nil:
		return true
	default:
		return false
	}
}
