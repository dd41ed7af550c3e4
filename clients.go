package reflow

import (
	"context"
	"net/http"
)

// ChatClient abstracts a chat-completion backend. Implementations
// adapt vendor SDKs to this interface; the engine never imports a
// vendor SDK directly.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ChatRequest is a transport-agnostic chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature *float64
	MaxTokens   *int
}

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// ChatResponse captures the output of a chat completion.
type ChatResponse struct {
	Text     string
	Model    string
	Provider string
	Usage    TokenUsage
}

// TokenUsage tracks token consumption of one LLM call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add combines two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// EmbeddingClient abstracts a text-embedding backend.
type EmbeddingClient interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// VectorQuery is an ANN search over a named collection and index.
type VectorQuery struct {
	Database            string
	Collection          string
	Index               string
	VectorField         string
	Vector              []float32
	Limit               int
	SimilarityThreshold float64
}

// VectorMatch is one retrieved document with its similarity score.
type VectorMatch struct {
	Document map[string]any
	Score    float64
}

// VectorSearcher abstracts the vector database behind the vector-db
// effector and intent retrieval.
type VectorSearcher interface {
	Search(ctx context.Context, q VectorQuery) ([]VectorMatch, error)
}

// HTTPDoer is the narrow HTTP client surface the REST effector needs;
// *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatClientFactory resolves a (provider, model) pair to a client.
// The llmprovider package supplies the production implementation.
type ChatClientFactory func(provider string) (ChatClient, error)

// EmbeddingClientFactory resolves a provider name to an embedding
// client.
type EmbeddingClientFactory func(provider string) (EmbeddingClient, error)
