// Package llmprovider bridges vendor LLM SDKs to the engine's
// ChatClient and EmbeddingClient interfaces. The engine itself never
// imports a vendor SDK; all provider wiring happens here.
package llmprovider

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/reflow-labs/reflow"
)

// openaiAdapter wraps an OpenAI-compatible API client. Providers that
// speak the same wire protocol (Ollama, vLLM, most gateways) reuse it
// with a custom base URL.
type openaiAdapter struct {
	client   *openai.Client
	provider string
}

// Complete sends a synchronous chat completion request.
func (a *openaiAdapter) Complete(ctx context.Context, req reflow.ChatRequest) (reflow.ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toMessages(req.Messages),
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return reflow.ChatResponse{}, fmt.Errorf("%s chat completion: %w", a.provider, err)
	}
	if len(resp.Choices) == 0 {
		return reflow.ChatResponse{}, fmt.Errorf("%s chat completion: empty choices", a.provider)
	}

	return reflow.ChatResponse{
		Text:     resp.Choices[0].Message.Content,
		Model:    resp.Model,
		Provider: a.provider,
		Usage: reflow.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed requests a single text embedding.
func (a *openaiAdapter) Embed(ctx context.Context, model, text string) ([]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("%s embedding: %w", a.provider, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s embedding: empty response", a.provider)
	}
	return resp.Data[0].Embedding, nil
}

func toMessages(messages []reflow.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{
			Role:    toRole(m.Role),
			Content: m.Content,
		}
	}
	return out
}

// toRole maps the engine's role strings to the SDK constants.
func toRole(role string) string {
	switch role {
	case "system":
		return openai.ChatMessageRoleSystem
	case "assistant":
		return openai.ChatMessageRoleAssistant
	case "user":
		return openai.ChatMessageRoleUser
	default:
		return openai.ChatMessageRoleUser
	}
}

// Compile-time interface checks.
var _ reflow.ChatClient = (*openaiAdapter)(nil)
var _ reflow.EmbeddingClient = (*openaiAdapter)(nil)
