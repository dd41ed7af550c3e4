package reflow

import (
	"context"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// renderTemplate substitutes {{key}} placeholders with stringified
// values from vars. Unknown placeholders render empty.
func renderTemplate(template string, vars map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := vars[key]
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// runLLM builds the chat prompt from the node's ports, invokes the
// chat client with retries, and parses the response into the single
// output port's schema when one is declared.
func (n *NodeInstance) runLLM(ctx context.Context, model *NodeMetamodel, inputs map[string]any) (map[string]any, *TokenUsage, error) {
	spec := model.LLM
	client, err := n.deps.ChatClients(spec.Provider)
	if err != nil {
		return nil, nil, WrapError(CodeEffectorPermanent, err, "node %s: resolving chat provider %q", model.ID, spec.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, n.deps.Timeouts.LLM)
	defer cancel()

	// System message: template rendered with SYSTEM_PROMPT_VARIABLE
	// inputs, stringified.
	systemVars := make(map[string]any)
	for _, port := range model.InputPorts.ByRole(RoleSystemPromptVariable) {
		if v, ok := inputs[port.Key]; ok {
			systemVars[port.Key] = v
		}
	}
	system := renderTemplate(spec.SystemPromptTemplate, systemVars)

	// User message: USER_PROMPT inputs concatenated in declaration
	// order.
	var userParts []string
	for _, port := range model.InputPorts.ByRole(RoleUserPrompt) {
		if v, ok := inputs[port.Key]; ok {
			userParts = append(userParts, stringify(v))
		}
	}
	user := strings.Join(userParts, "\n")

	// With exactly one output port, constrain the response format to
	// its schema and parse the reply back into it.
	var outputSchema *PortSchema
	var outputKey string
	if len(model.OutputPorts) == 1 {
		outputKey = model.OutputPorts[0].Key
		outputSchema = model.OutputPorts[0].Schema
		if instruction := FormatInstruction(outputSchema); instruction != "" {
			user = user + "\n\n" + instruction
		}
	}

	messages := []ChatMessage{}
	if system != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: system})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: user})

	req := ChatRequest{
		Model:       spec.ModelName,
		Messages:    messages,
		Temperature: spec.Parameters.Temperature,
		MaxTokens:   spec.Parameters.MaxTokens,
	}

	resp, err := n.complete(ctx, client, req)
	if err != nil {
		return nil, nil, err
	}
	usage := resp.Usage

	if outputSchema == nil {
		// No single structured output: raw text goes to every
		// RESPONSE-role port, or every output port if none is tagged.
		outputs := map[string]any{}
		targets := model.OutputPorts.ByRole(RoleResponse)
		if len(targets) == 0 {
			targets = model.OutputPorts
		}
		for _, port := range targets {
			outputs[port.Key] = resp.Text
		}
		return outputs, &usage, nil
	}

	value, parseErr := ParseStructured(resp.Text, outputSchema)
	if parseErr != nil {
		// One critique retry: feed the failure back and ask again.
		n.deps.logger().Debug("structured output parse failed, retrying with critique",
			"node", model.ID, "error", parseErr)
		retryReq := req
		retryReq.Messages = append(append([]ChatMessage{}, messages...),
			ChatMessage{Role: "assistant", Content: resp.Text},
			ChatMessage{Role: "user", Content: CritiqueMessage(outputSchema, parseErr)},
		)
		retryResp, retryErr := n.complete(ctx, client, retryReq)
		if retryErr != nil {
			return nil, &usage, retryErr
		}
		usage = usage.Add(retryResp.Usage)
		value, parseErr = ParseStructured(retryResp.Text, outputSchema)
		if parseErr != nil {
			return nil, &usage, parseErr
		}
	}

	return map[string]any{outputKey: value}, &usage, nil
}

// complete invokes the chat client under the transient-retry policy.
func (n *NodeInstance) complete(ctx context.Context, client ChatClient, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	err := retryTransient(ctx, func() error {
		var callErr error
		resp, callErr = client.Complete(ctx, req)
		if callErr != nil && ctx.Err() != nil {
			return classifyContextErr(ctx.Err())
		}
		return callErr
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ChatResponse{}, WrapError(CodeEffectorTimeout, err, "chat completion timed out")
		}
		return ChatResponse{}, err
	}
	return resp, nil
}
