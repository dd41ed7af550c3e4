// Package catalog persists the metamodel inventory: intents, node
// metamodels with their version families, and workflows with their
// handled intents. Two backends are provided: an in-memory catalog
// for tests and embedded use, and a SQLite catalog for durable
// single-node deployments.
package catalog

import (
	"context"
	"time"

	"github.com/reflow-labs/reflow"
)

// NodeSearchQuery is a hybrid search over node metamodels: free-text
// terms matched against the descriptor fields combined with a vector
// matched against the stored embeddings. Either part may be empty.
type NodeSearchQuery struct {
	Text   string
	Vector []float32
	Limit  int
}

// NodeMatch is one search hit with its combined score.
type NodeMatch struct {
	Node  *reflow.NodeMetamodel
	Score float64
}

// Catalog is the persistence surface of the engine. Implementations
// must be safe for concurrent use.
type Catalog interface {
	// Intents.
	CreateIntent(ctx context.Context, intent *reflow.IntentMetamodel) error
	GetIntent(ctx context.Context, id string) (*reflow.IntentMetamodel, error)
	IntentByName(ctx context.Context, name string) (*reflow.IntentMetamodel, error)
	ListIntents(ctx context.Context) ([]*reflow.IntentMetamodel, error)
	NearestIntents(ctx context.Context, vector []float32, k int) ([]reflow.ScoredIntent, error)

	// Node metamodels. UpdateNode creates a new version within the
	// node's family: the version bump is validated, the prior latest
	// is demoted, and the update hook fires.
	CreateNode(ctx context.Context, model *reflow.NodeMetamodel) error
	GetNode(ctx context.Context, id string) (*reflow.NodeMetamodel, error)
	ListNodes(ctx context.Context) ([]*reflow.NodeMetamodel, error)
	UpdateNode(ctx context.Context, model *reflow.NodeMetamodel) error
	LatestByFamily(ctx context.Context, familyID string) (*reflow.NodeMetamodel, error)
	AllByFamily(ctx context.Context, familyID string) ([]*reflow.NodeMetamodel, error)
	SearchNodes(ctx context.Context, q NodeSearchQuery) ([]NodeMatch, error)

	// Workflows.
	CreateWorkflow(ctx context.Context, workflow *reflow.WorkflowMetamodel) error
	GetWorkflow(ctx context.Context, id string) (*reflow.WorkflowMetamodel, error)
	ListWorkflows(ctx context.Context) ([]*reflow.WorkflowMetamodel, error)
	WorkflowsByHandledIntent(ctx context.Context, intentID string) ([]*reflow.WorkflowMetamodel, error)
	MergeEdgeBindings(ctx context.Context, workflowID, edgeID string, bindings map[string]string) error
	TouchHandledIntent(ctx context.Context, workflowID, intentID string, at time.Time) error
}

// NodeUpdateHook observes successful node metamodel updates, so the
// caller can fan the new version out to live instances.
type NodeUpdateHook func(model *reflow.NodeMetamodel)
