package catalog

import (
	"sort"
	"strings"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/retrieval"
)

// Hybrid search weights. Vector similarity dominates; text matching
// breaks ties and covers nodes without embeddings.
const (
	vectorWeight = 0.7
	textWeight   = 0.3
)

// hybridScore combines embedding similarity and descriptor term
// matching for one node. A query with only one part scores on that
// part alone.
func hybridScore(model *reflow.NodeMetamodel, q NodeSearchQuery) float64 {
	hasVector := len(q.Vector) > 0 && len(model.Embedding) > 0
	terms := searchTerms(q.Text)
	hasText := len(terms) > 0

	switch {
	case hasVector && hasText:
		return vectorWeight*retrieval.Cosine(q.Vector, model.Embedding) + textWeight*termScore(model, terms)
	case hasVector:
		return retrieval.Cosine(q.Vector, model.Embedding)
	case hasText:
		return termScore(model, terms)
	default:
		return 0
	}
}

// termScore is the fraction of query terms found in the node's
// searchable fields.
func termScore(model *reflow.NodeMetamodel, terms []string) float64 {
	haystack := strings.ToLower(strings.Join([]string{
		model.Name, model.Description, model.Author, model.QualitativeDescriptor,
	}, "\n"))
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func searchTerms(text string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(text)) {
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

// rankMatches sorts hits by descending score and truncates to limit,
// dropping zero-score entries.
func rankMatches(matches []NodeMatch, limit int) []NodeMatch {
	filtered := matches[:0]
	for _, m := range matches {
		if m.Score > 0 {
			filtered = append(filtered, m)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// nearestIntents scores intents by cosine similarity and returns the
// top k.
func nearestIntents(intents []*reflow.IntentMetamodel, vector []float32, k int) []reflow.ScoredIntent {
	var scored []reflow.ScoredIntent
	for _, intent := range intents {
		if len(intent.Embedding) == 0 {
			continue
		}
		scored = append(scored, reflow.ScoredIntent{
			Intent:     intent,
			Similarity: retrieval.Cosine(vector, intent.Embedding),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
