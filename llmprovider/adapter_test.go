package llmprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reflow-labs/reflow"
)

// newStubServer serves canned OpenAI-compatible responses.
func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": req["model"],
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "Hello from LLM"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		})
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
			"model": "text-embedding-3-small",
			"usage": map[string]any{"prompt_tokens": 3, "total_tokens": 3},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newStubRegistry(t *testing.T) *Registry {
	t.Helper()
	server := newStubServer(t)
	return NewRegistry(map[string]ProviderConfig{
		"stub": {APIKey: "test-key", BaseURL: server.URL},
	})
}

func TestComplete_SimplePrompt(t *testing.T) {
	r := newStubRegistry(t)
	client, err := r.Chat("stub")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	resp, err := client.Complete(context.Background(), reflow.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []reflow.ChatMessage{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "Say hello."},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "Hello from LLM" {
		t.Errorf("Text = %q, want %q", resp.Text, "Hello from LLM")
	}
	if resp.Provider != "stub" {
		t.Errorf("Provider = %q, want stub", resp.Provider)
	}
	if resp.Usage.TotalTokens != 17 {
		t.Errorf("TotalTokens = %d, want 17", resp.Usage.TotalTokens)
	}
}

func TestEmbed_ReturnsVector(t *testing.T) {
	r := newStubRegistry(t)
	client, err := r.Embeddings("stub")
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}

	vector, err := client.Embed(context.Background(), "text-embedding-3-small", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vector) != 3 {
		t.Fatalf("vector length = %d, want 3", len(vector))
	}
	if vector[0] != 0.1 {
		t.Errorf("vector[0] = %v, want 0.1", vector[0])
	}
}

func TestToRole_MapsKnownRoles(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"system", "system"},
		{"user", "user"},
		{"assistant", "assistant"},
		{"unknown", "user"},
	}
	for _, tt := range tests {
		if got := toRole(tt.in); got != tt.want {
			t.Errorf("toRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
