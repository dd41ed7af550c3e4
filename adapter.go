package reflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// AdapterSource describes one upstream node whose outputs are
// available for adaptation: the workflow-local id and the metamodel
// carrying its output port schemas.
type AdapterSource struct {
	NodeID    string
	Metamodel *NodeMetamodel
}

// AdaptationRequest asks the adapter to bind a target node's
// unsatisfied required inputs to available upstream outputs.
type AdaptationRequest struct {
	Target        *NodeMetamodel
	TargetNodeID  string
	MissingInputs []string
	Sources       []AdapterSource
}

// PortAdapter proposes edge bindings at runtime by showing an LLM the
// target's missing input schemas and the upstream output schemas.
// Proposals are validated structurally before they are accepted; a
// single self-critique retry covers malformed or incompatible
// proposals.
type PortAdapter struct {
	client      ChatClient
	model       string
	temperature float64
	logger      *slog.Logger
}

// PortAdapterConfig configures a PortAdapter.
type PortAdapterConfig struct {
	// Model is the chat model used for adaptation proposals.
	Model string

	// Temperature defaults to 0; adaptation wants determinism.
	Temperature float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewPortAdapter creates an adapter backed by the given chat client.
func NewPortAdapter(client ChatClient, cfg PortAdapterConfig) (*PortAdapter, error) {
	if client == nil {
		return nil, Errorf(CodeValidation, "port adapter requires a chat client")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAdapter{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

const adapterSystemPrompt = `You map data between workflow nodes. Given a target node's unsatisfied input ports and the output ports available from upstream nodes, propose which upstream output should feed each missing input.

Respond with a single JSON object of the form:
{"bindings": {"<sourceNodeId>.<sourcePortPath>": "<targetPortPath>", ...}}

Rules:
- Every key must name an output port listed under AVAILABLE OUTPUTS, exactly as written.
- Every value must name one of the MISSING INPUTS.
- Only propose a binding when the source value plausibly satisfies the input's meaning AND its schema is compatible.
- Omit inputs you cannot satisfy. Do not invent port names.`

// Adapt proposes and validates bindings for the request's missing
// inputs. The returned map is keyed by "<sourceNodeId>.<sourcePath>"
// with the target input path as value; it covers every missing input
// or the adaptation fails.
func (a *PortAdapter) Adapt(ctx context.Context, req AdaptationRequest) (map[string]string, error) {
	if req.Target == nil {
		return nil, Errorf(CodeValidation, "adaptation request has no target")
	}
	if len(req.MissingInputs) == 0 {
		return map[string]string{}, nil
	}
	if len(req.Sources) == 0 {
		return nil, Errorf(CodeAdaptationFailed, "node %s: no completed upstream outputs to adapt from", req.TargetNodeID)
	}

	prompt := a.buildPrompt(req)
	messages := []ChatMessage{
		{Role: "system", Content: adapterSystemPrompt},
		{Role: "user", Content: prompt},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		temp := a.temperature
		resp, err := a.client.Complete(ctx, ChatRequest{
			Model:       a.model,
			Messages:    messages,
			Temperature: &temp,
		})
		if err != nil {
			return nil, WrapError(CodeAdaptationFailed, err, "node %s: adaptation call failed", req.TargetNodeID)
		}

		bindings, err := a.parseAndValidate(resp.Text, req)
		if err == nil {
			a.logger.Debug("adaptation proposal accepted",
				"target", req.TargetNodeID, "bindings", len(bindings), "attempt", attempt+1)
			return bindings, nil
		}
		lastErr = err
		a.logger.Debug("adaptation proposal rejected",
			"target", req.TargetNodeID, "attempt", attempt+1, "error", err)
		messages = append(messages,
			ChatMessage{Role: "assistant", Content: resp.Text},
			ChatMessage{Role: "user", Content: fmt.Sprintf(
				"Your proposal was rejected: %v. Respond again with only the corrected JSON object.", err)},
		)
	}
	return nil, WrapError(CodeAdaptationFailed, lastErr, "node %s: adaptation exhausted retries", req.TargetNodeID)
}

// buildPrompt renders the target's missing inputs and the grouped
// upstream outputs with their schemas.
func (a *PortAdapter) buildPrompt(req AdaptationRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TARGET NODE: %s (%s)\n", req.TargetNodeID, req.Target.Kind)
	if text := req.Target.DescriptorText(); text != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", text)
	}

	b.WriteString("\nMISSING INPUTS:\n")
	missing := append([]string(nil), req.MissingInputs...)
	sort.Strings(missing)
	for _, key := range missing {
		port, ok := req.Target.InputPorts.ByKey(key)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", key, SchemaJSON(port.Schema))
	}

	b.WriteString("\nAVAILABLE OUTPUTS:\n")
	for _, src := range req.Sources {
		fmt.Fprintf(&b, "From node %s (%s):\n", src.NodeID, src.Metamodel.Kind)
		for _, port := range src.Metamodel.OutputPorts {
			fmt.Fprintf(&b, "- %s.%s: %s\n", src.NodeID, port.Key, SchemaJSON(port.Schema))
		}
	}
	return b.String()
}

// adapterProposal is the wire form the LLM must return.
type adapterProposal struct {
	Bindings map[string]string `json:"bindings"`
}

// parseAndValidate extracts the proposal JSON and checks every
// binding: the source key must name a known upstream output path, the
// target value must resolve in the target's input port tree, the two
// schemas must be compatible, and every missing required input must
// be covered by at least one binding.
func (a *PortAdapter) parseAndValidate(text string, req AdaptationRequest) (map[string]string, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return nil, Errorf(CodeStructuredOutputParse, "response contains no JSON object")
	}
	var proposal adapterProposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return nil, WrapError(CodeStructuredOutputParse, err, "decoding proposal")
	}
	if len(proposal.Bindings) == 0 {
		return nil, Errorf(CodeAdaptationFailed, "proposal contains no bindings")
	}

	sources := make(map[string]*NodeMetamodel, len(req.Sources))
	for _, s := range req.Sources {
		sources[s.NodeID] = s.Metamodel
	}

	accepted := make(map[string]string, len(proposal.Bindings))
	for sourceKey, tgtPath := range proposal.Bindings {
		sourceNodeID, srcPath := splitPortPath(sourceKey)
		if srcPath == "" {
			return nil, Errorf(CodeAdaptationFailed, "binding key %q is not of the form <nodeId>.<portPath>", sourceKey)
		}
		src, known := sources[sourceNodeID]
		if !known {
			return nil, Errorf(CodeAdaptationFailed, "binding key %q references unknown source node %q", sourceKey, sourceNodeID)
		}
		srcSchema, err := src.OutputPorts.SchemaByPath(srcPath)
		if err != nil {
			return nil, WrapError(CodeAdaptationFailed, err, "binding key %q", sourceKey)
		}
		tgtSchema, err := req.Target.InputPorts.SchemaByPath(tgtPath)
		if err != nil {
			return nil, WrapError(CodeAdaptationFailed, err, "binding target %q", tgtPath)
		}
		if !IsCompatible(srcSchema, tgtSchema) {
			return nil, Errorf(CodeAdaptationFailed, "binding %q -> %q has incompatible schemas", sourceKey, tgtPath)
		}
		accepted[sourceKey] = tgtPath
	}

	for _, missing := range req.MissingInputs {
		if !coversInput(accepted, missing) {
			return nil, Errorf(CodeAdaptationFailed, "required input %q is not covered by any binding", missing)
		}
	}
	return accepted, nil
}

// coversInput reports whether any binding targets the input port key
// or a path nested under it.
func coversInput(bindings map[string]string, inputKey string) bool {
	for _, tgtPath := range bindings {
		if tgtPath == inputKey || strings.HasPrefix(tgtPath, inputKey+".") {
			return true
		}
	}
	return false
}
