package reflow

import (
	"context"
)

// runEmbeddings reads the single text input, invokes the embedding
// provider, and writes the vector to the output port.
func (n *NodeInstance) runEmbeddings(ctx context.Context, model *NodeMetamodel, inputs map[string]any) (map[string]any, error) {
	spec := model.Embeddings
	client, err := n.deps.EmbeddingClients(spec.Provider)
	if err != nil {
		return nil, WrapError(CodeEffectorPermanent, err, "node %s: resolving embedding provider %q", model.ID, spec.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, n.deps.Timeouts.LLM)
	defer cancel()

	inputPort, ok := firstPortByRole(model.InputPorts, RoleInputText)
	if !ok {
		return nil, Errorf(CodeValidation, "node %s: no INPUT_TEXT port declared", model.ID)
	}
	outputPort, ok := firstPortByRole(model.OutputPorts, RoleOutputVector)
	if !ok {
		return nil, Errorf(CodeValidation, "node %s: no OUTPUT_VECTOR port declared", model.ID)
	}

	text := stringify(inputs[inputPort.Key])

	var vector []float32
	err = retryTransient(ctx, func() error {
		var callErr error
		vector, callErr = client.Embed(ctx, spec.ModelName, text)
		if callErr != nil && ctx.Err() != nil {
			return classifyContextErr(ctx.Err())
		}
		return callErr
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, WrapError(CodeEffectorTimeout, err, "embedding call timed out")
		}
		return nil, err
	}

	// Vectors travel through the context as []any so dotted-path
	// indexing and schema validation see a uniform sequence type.
	out := make([]any, len(vector))
	for i, f := range vector {
		out[i] = float64(f)
	}
	return map[string]any{outputPort.Key: out}, nil
}

func firstPortByRole(ports PortSet, role PortRole) (Port, bool) {
	matches := ports.ByRole(role)
	if len(matches) == 0 {
		return Port{}, false
	}
	return matches[0], true
}
