package reflow

import (
	"context"
)

// runVectorDB performs the ANN search configured on the metamodel
// against the input vector and writes the matched documents to the
// results ports. Vector-db effectors do not retry.
func (n *NodeInstance) runVectorDB(ctx context.Context, model *NodeMetamodel, inputs map[string]any) (map[string]any, error) {
	spec := model.VectorDB
	if n.deps.VectorSearcher == nil {
		return nil, Errorf(CodeEffectorPermanent, "node %s: no vector searcher configured", model.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, n.deps.Timeouts.VectorDB)
	defer cancel()

	inputPort, ok := firstPortByRole(model.InputPorts, RoleInputVector)
	if !ok {
		return nil, Errorf(CodeValidation, "node %s: no INPUT_VECTOR port declared", model.ID)
	}
	vector, err := asVector(inputs[inputPort.Key])
	if err != nil {
		return nil, WrapError(CodeValidation, err, "node %s: input vector", model.ID)
	}

	matches, err := n.deps.VectorSearcher.Search(ctx, VectorQuery{
		Database:            spec.DatabaseName,
		Collection:          spec.CollectionName,
		Index:               spec.IndexName,
		VectorField:         spec.VectorField,
		Vector:              vector,
		Limit:               spec.Limit,
		SimilarityThreshold: spec.SimilarityThreshold,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, WrapError(CodeEffectorTimeout, err, "vector search timed out")
		}
		return nil, WrapError(CodeEffectorPermanent, err, "vector search failed")
	}

	documents := make([]any, len(matches))
	for i, m := range matches {
		doc := make(map[string]any, len(m.Document))
		for k, v := range m.Document {
			doc[k] = v
		}
		documents[i] = doc
	}

	outputs := map[string]any{}
	if resultsPort, ok := firstPortByRole(model.OutputPorts, RoleResults); ok {
		outputs[resultsPort.Key] = documents
	}
	if firstPort, ok := firstPortByRole(model.OutputPorts, RoleFirstResult); ok && len(documents) > 0 {
		outputs[firstPort.Key] = documents[0]
	}
	return outputs, nil
}

// asVector accepts the sequence shapes a vector can take after
// traveling through the context or JSON decoding.
func asVector(v any) ([]float32, error) {
	switch vec := v.(type) {
	case []float32:
		return vec, nil
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make([]float32, len(vec))
		for i, item := range vec {
			f, ok := asFloat(item)
			if !ok {
				return nil, Errorf(CodeValidation, "element %d is not numeric", i)
			}
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, Errorf(CodeValidation, "value is not a vector")
	}
}
