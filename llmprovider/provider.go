package llmprovider

import (
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/reflow-labs/reflow"
)

// ProviderConfig carries the credentials and endpoint for one
// provider.
type ProviderConfig struct {
	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the API endpoint, for OpenAI-compatible
	// providers such as Ollama or a local gateway. Empty means the
	// provider's default endpoint.
	BaseURL string
}

// Registry resolves provider names to live clients. Clients are built
// lazily and cached; a provider name without a registered config is
// an error at resolution time.
type Registry struct {
	mu      sync.Mutex
	configs map[string]ProviderConfig
	clients map[string]*openaiAdapter
}

// NewRegistry creates a registry from the given provider configs.
func NewRegistry(configs map[string]ProviderConfig) *Registry {
	copied := make(map[string]ProviderConfig, len(configs))
	for name, cfg := range configs {
		copied[name] = cfg
	}
	return &Registry{
		configs: copied,
		clients: make(map[string]*openaiAdapter),
	}
}

// Chat returns a chat client for the named provider.
func (r *Registry) Chat(name string) (reflow.ChatClient, error) {
	return r.adapter(name)
}

// Embeddings returns an embedding client for the named provider.
func (r *Registry) Embeddings(name string) (reflow.EmbeddingClient, error) {
	return r.adapter(name)
}

// ChatFactory adapts the registry to the engine's factory type.
func (r *Registry) ChatFactory() reflow.ChatClientFactory {
	return func(provider string) (reflow.ChatClient, error) {
		return r.Chat(provider)
	}
}

// EmbeddingFactory adapts the registry to the engine's factory type.
func (r *Registry) EmbeddingFactory() reflow.EmbeddingClientFactory {
	return func(provider string) (reflow.EmbeddingClient, error) {
		return r.Embeddings(provider)
	}
}

func (r *Registry) adapter(name string) (*openaiAdapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("no provider configured under %q", name)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	client := &openaiAdapter{
		client:   openai.NewClientWithConfig(apiCfg),
		provider: name,
	}
	r.clients[name] = client
	return client, nil
}
