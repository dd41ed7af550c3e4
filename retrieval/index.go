// Package retrieval provides an in-memory vector index used by the
// vector-db effector and by intent retrieval. It is the development
// and test backend; production deployments swap in a real vector
// database behind the same VectorSearcher interface.
package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/reflow-labs/reflow"
)

// Document is one indexed entry: its payload fields and the embedding
// vector it is retrieved by.
type Document struct {
	Fields map[string]any
	Vector []float32
}

// Index is a thread-safe in-memory vector index over named
// collections. Collections are addressed as "<database>/<collection>"
// to mirror how vector-db node specs name them.
type Index struct {
	mu          sync.RWMutex
	collections map[string][]Document
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{collections: make(map[string][]Document)}
}

// Upsert appends documents to a collection.
func (ix *Index) Upsert(database, collection string, docs ...Document) {
	key := database + "/" + collection
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.collections[key] = append(ix.collections[key], docs...)
}

// Len returns the number of documents in a collection.
func (ix *Index) Len(database, collection string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.collections[database+"/"+collection])
}

// Search runs a cosine-similarity scan over the queried collection,
// applies the similarity threshold, and returns the top matches by
// descending score.
func (ix *Index) Search(ctx context.Context, q reflow.VectorQuery) ([]reflow.VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	docs := ix.collections[q.Database+"/"+q.Collection]
	ix.mu.RUnlock()

	var matches []reflow.VectorMatch
	for _, doc := range docs {
		score := Cosine(q.Vector, doc.Vector)
		if q.SimilarityThreshold > 0 && score < q.SimilarityThreshold {
			continue
		}
		fields := make(map[string]any, len(doc.Fields))
		for k, v := range doc.Fields {
			fields[k] = v
		}
		matches = append(matches, reflow.VectorMatch{Document: fields, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// Cosine computes the cosine similarity of two vectors. Mismatched
// lengths or zero-norm vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Compile-time interface check.
var _ reflow.VectorSearcher = (*Index)(nil)
