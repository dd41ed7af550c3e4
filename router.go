package reflow

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// WorkflowCandidate is one workflow eligible to serve an intent,
// carrying the declared handling score used for ranking.
type WorkflowCandidate struct {
	WorkflowID string
	Score      float64
}

// WorkflowRouter selects one workflow among the candidates that
// handle an intent. Selection is a temperature softmax over candidate
// ranks: at temperature zero the best-ranked candidate always wins,
// and as temperature grows the choice approaches uniform, letting
// lower-ranked workflows accumulate execution history.
type WorkflowRouter struct {
	temperature float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewWorkflowRouter creates a router. A negative temperature is a
// validation error. Seed zero draws from the clock.
func NewWorkflowRouter(temperature float64, seed int64) (*WorkflowRouter, error) {
	if temperature < 0 {
		return nil, Errorf(CodeValidation, "router temperature must be >= 0, got %v", temperature)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &WorkflowRouter{
		temperature: temperature,
		rng:         rand.New(rand.NewSource(seed)),
	}, nil
}

// Route picks one candidate. Candidates are ranked by descending
// score with the workflow id as tiebreaker, then sampled by softmax
// weight exp(-rank/T).
func (r *WorkflowRouter) Route(candidates []WorkflowCandidate) (WorkflowCandidate, error) {
	if len(candidates) == 0 {
		return WorkflowCandidate{}, Errorf(CodeNoWorkflowForIntent, "no candidate workflows to route")
	}
	ranked := append([]WorkflowCandidate(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].WorkflowID < ranked[j].WorkflowID
	})

	if r.temperature == 0 || len(ranked) == 1 {
		return ranked[0], nil
	}

	weights := RankWeights(len(ranked), r.temperature)
	r.mu.Lock()
	draw := r.rng.Float64()
	r.mu.Unlock()

	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			return ranked[i], nil
		}
	}
	// Floating-point residue: the draw landed past the final bucket.
	return ranked[len(ranked)-1], nil
}

// RankWeights returns the normalized softmax weights for n ranked
// candidates at the given temperature: weight_i proportional to
// exp(-i/T). The maximum exponent is subtracted before
// exponentiation so large rank counts cannot underflow to all-zero.
func RankWeights(n int, temperature float64) []float64 {
	weights := make([]float64, n)
	if n == 0 {
		return weights
	}
	if temperature == 0 {
		weights[0] = 1
		return weights
	}
	// Exponents are -i/T; the max is at rank 0 (exponent 0), so the
	// shift is a no-op kept for symmetry with the general softmax.
	maxExp := 0.0
	sum := 0.0
	for i := range weights {
		weights[i] = math.Exp(-float64(i)/temperature - maxExp)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}
