package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/bus"
	"github.com/reflow-labs/reflow/catalog"
	"github.com/reflow-labs/reflow/config"
	"github.com/reflow-labs/reflow/llmprovider"
	"github.com/reflow-labs/reflow/retrieval"
)

// nodeUpdateHooker is satisfied by both catalog backends.
type nodeUpdateHooker interface {
	OnNodeUpdate(catalog.NodeUpdateHook)
}

// EngineConfig wires an Engine from configuration and a catalog.
type EngineConfig struct {
	Config  config.Config
	Catalog catalog.Catalog

	// Handler receives engine events; nil means no observers.
	Handler reflow.EventHandler

	// Searcher backs the vector-db effector. Nil gets an empty
	// in-memory index.
	Searcher reflow.VectorSearcher

	Logger *slog.Logger
}

// Engine is the assembled orchestration pipeline plus the registries
// it runs over.
type Engine struct {
	Orchestrator *reflow.Orchestrator
	Catalog      catalog.Catalog
	Nodes        *reflow.NodeRegistry
	Workflows    *reflow.WorkflowRegistry

	updates *bus.UpdateFeed
	deps    reflow.EffectorDeps
}

// BuildEngine resolves providers, hydrates node and workflow
// instances from the catalog, and wires the detector, router, mapper,
// adapter, executor, and orchestrator together.
func BuildEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("engine requires a catalog")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	searcher := cfg.Searcher
	if searcher == nil {
		searcher = retrieval.NewIndex()
	}

	providers := make(map[string]llmprovider.ProviderConfig, len(cfg.Config.Providers))
	for name, p := range cfg.Config.Providers {
		providers[name] = llmprovider.ProviderConfig{APIKey: p.APIKey, BaseURL: p.BaseURL}
	}
	registry := llmprovider.NewRegistry(providers)

	chat, err := registry.Chat(cfg.Config.ChatProvider)
	if err != nil {
		return nil, exitError(exitProvider, "resolving chat provider: %v", err)
	}
	embeddings, err := registry.Embeddings(cfg.Config.EmbeddingProvider)
	if err != nil {
		return nil, exitError(exitProvider, "resolving embedding provider: %v", err)
	}

	deps := reflow.EffectorDeps{
		ChatClients:      registry.ChatFactory(),
		EmbeddingClients: registry.EmbeddingFactory(),
		VectorSearcher:   searcher,
		HTTPClient:       &http.Client{},
		Timeouts:         reflow.DefaultEffectorTimeouts(),
		Logger:           logger,
	}

	engine := &Engine{
		Catalog:   cfg.Catalog,
		Nodes:     reflow.NewNodeRegistry(),
		Workflows: reflow.NewWorkflowRegistry(),
		updates:   bus.NewUpdateFeed(),
		deps:      deps,
	}
	if err := engine.hydrate(ctx); err != nil {
		return nil, err
	}

	// Catalog updates swap the metamodel on live instances; brand-new
	// versions get a fresh instance under their own id.
	engine.updates.BindRegistry(engine.Nodes)
	if hooker, ok := cfg.Catalog.(nodeUpdateHooker); ok {
		hooker.OnNodeUpdate(func(model *reflow.NodeMetamodel) {
			if _, err := engine.Nodes.Get(model.ID); err != nil {
				if instance, err := reflow.NewNodeInstance(model, deps); err == nil {
					_ = engine.Nodes.Register(model.ID, instance)
				}
				return
			}
			engine.updates.Publish(bus.MetamodelUpdate{MetamodelID: model.ID, Model: model})
		})
	}

	detector, err := reflow.NewIntentDetector(chat, embeddings, cfg.Catalog, reflow.IntentDetectorConfig{
		ChatModel:      cfg.Config.ChatModel,
		EmbeddingModel: cfg.Config.EmbeddingModel,
		TopK:           cfg.Config.DetectorTopK,
		Threshold:      cfg.Config.DetectorThreshold,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	router, err := reflow.NewWorkflowRouter(cfg.Config.RouterTemperature, cfg.Config.RouterSeed)
	if err != nil {
		return nil, err
	}

	mapper, err := reflow.NewInputMapper(chat, reflow.InputMapperConfig{
		Model:  cfg.Config.ChatModel,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	adapter, err := reflow.NewPortAdapter(chat, reflow.PortAdapterConfig{
		Model:       cfg.Config.ChatModel,
		Temperature: cfg.Config.AdapterTemperature,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	executor := reflow.NewExecutor(reflow.ExecutorConfig{
		Adapter: adapter,
		Handler: cfg.Handler,
		Logger:  logger,
	})

	orchestrator, err := reflow.NewOrchestrator(reflow.OrchestratorConfig{
		Detector:  detector,
		Router:    router,
		Mapper:    mapper,
		Executor:  executor,
		Workflows: engine.Workflows,
		Store:     cfg.Catalog,
		Handler:   cfg.Handler,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	engine.Orchestrator = orchestrator
	return engine, nil
}

// hydrate builds singleton node instances for every enabled catalog
// node and workflow instances for every enabled workflow.
func (e *Engine) hydrate(ctx context.Context) error {
	nodes, err := e.Catalog.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog nodes: %w", err)
	}
	for _, model := range nodes {
		if !model.Enabled {
			continue
		}
		instance, err := reflow.NewNodeInstance(model, e.deps)
		if err != nil {
			return fmt.Errorf("instantiating node %s: %w", model.ID, err)
		}
		if err := e.Nodes.Register(model.ID, instance); err != nil {
			return err
		}
	}

	workflows, err := e.Catalog.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog workflows: %w", err)
	}
	for _, metamodel := range workflows {
		if !metamodel.Enabled {
			continue
		}
		instance, err := reflow.NewWorkflowInstance(metamodel, e.Nodes)
		if err != nil {
			return fmt.Errorf("instantiating workflow %s: %w", metamodel.ID, err)
		}
		if err := e.Workflows.Register(metamodel.ID, instance); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorkflow instantiates a workflow metamodel and adds it to
// the live registry, so freshly created workflows are routable
// without a restart.
func (e *Engine) RegisterWorkflow(metamodel *reflow.WorkflowMetamodel) error {
	instance, err := reflow.NewWorkflowInstance(metamodel, e.Nodes)
	if err != nil {
		return err
	}
	return e.Workflows.Register(metamodel.ID, instance)
}

// Close shuts the update feed down.
func (e *Engine) Close() {
	e.updates.Close()
}
