package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reflow-labs/reflow"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLite is a durable catalog backed by a SQLite database. Metamodels
// are stored as JSON documents with the columns the query paths need
// (family, version triple, latest flag, handled intents) denormalized
// alongside. Vector scoring happens in-process after the candidate
// rows are loaded; the row set of a single-node catalog is small
// enough that a scan is the honest implementation.
type SQLite struct {
	db *sql.DB

	mu           sync.RWMutex
	onNodeUpdate NodeUpdateHook
}

// NewSQLite opens (or creates) a SQLite catalog at the given DSN.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// OnNodeUpdate registers the hook fired after a successful node
// update.
func (s *SQLite) OnNodeUpdate(hook NodeUpdateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNodeUpdate = hook
}

// --- intents ---

func (s *SQLite) CreateIntent(ctx context.Context, intent *reflow.IntentMetamodel) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	stored := *intent
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("catalog: marshal intent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, name, document) VALUES (?, ?, ?)`,
		stored.ID, stored.Name, string(doc))
	if err != nil {
		return reflow.WrapError(reflow.CodeValidation, err, "creating intent %s", stored.ID)
	}
	return nil
}

func (s *SQLite) GetIntent(ctx context.Context, id string) (*reflow.IntentMetamodel, error) {
	return s.intentWhere(ctx, `id = ?`, id)
}

func (s *SQLite) IntentByName(ctx context.Context, name string) (*reflow.IntentMetamodel, error) {
	return s.intentWhere(ctx, `name = ?`, name)
}

func (s *SQLite) intentWhere(ctx context.Context, clause string, arg any) (*reflow.IntentMetamodel, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM intents WHERE `+clause, arg).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reflow.Errorf(reflow.CodeValidation, "intent %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load intent: %w", err)
	}
	var intent reflow.IntentMetamodel
	if err := json.Unmarshal([]byte(doc), &intent); err != nil {
		return nil, fmt.Errorf("catalog: decode intent: %w", err)
	}
	return &intent, nil
}

func (s *SQLite) ListIntents(ctx context.Context) ([]*reflow.IntentMetamodel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM intents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list intents: %w", err)
	}
	defer rows.Close()

	var out []*reflow.IntentMetamodel
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("catalog: scan intent: %w", err)
		}
		var intent reflow.IntentMetamodel
		if err := json.Unmarshal([]byte(doc), &intent); err != nil {
			return nil, fmt.Errorf("catalog: decode intent: %w", err)
		}
		out = append(out, &intent)
	}
	return out, rows.Err()
}

func (s *SQLite) NearestIntents(ctx context.Context, vector []float32, k int) ([]reflow.ScoredIntent, error) {
	intents, err := s.ListIntents(ctx)
	if err != nil {
		return nil, err
	}
	return nearestIntents(intents, vector, k), nil
}

// --- node metamodels ---

func (s *SQLite) CreateNode(ctx context.Context, model *reflow.NodeMetamodel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	stored := model.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	hasLatest, err := familyHasLatest(ctx, tx, stored.FamilyID)
	if err != nil {
		return err
	}
	if !hasLatest {
		stored.IsLatest = true
	} else if stored.IsLatest {
		if err := demoteFamily(ctx, tx, stored.FamilyID); err != nil {
			return err
		}
	}
	if err := insertNode(ctx, tx, stored); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetNode(ctx context.Context, id string) (*reflow.NodeMetamodel, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM meta_nodes WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reflow.Errorf(reflow.CodeValidation, "node metamodel %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load node: %w", err)
	}
	return decodeNode(doc)
}

func (s *SQLite) ListNodes(ctx context.Context) ([]*reflow.NodeMetamodel, error) {
	return s.nodesWhere(ctx, `1=1 ORDER BY id`)
}

// UpdateNode persists a new version of an existing family inside one
// transaction: validate the bump, demote the prior latest, insert the
// new row.
func (s *SQLite) UpdateNode(ctx context.Context, model *reflow.NodeMetamodel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	if model.FamilyID == "" {
		return reflow.Errorf(reflow.CodeValidation, "node metamodel %s: family id is required for updates", model.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentDoc string
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM meta_nodes WHERE family_id = ? AND is_latest = 1`,
		model.FamilyID).Scan(&currentDoc)
	if errors.Is(err, sql.ErrNoRows) {
		return reflow.Errorf(reflow.CodeValidation, "node family %s has no versions to update", model.FamilyID)
	}
	if err != nil {
		return fmt.Errorf("catalog: load latest of family: %w", err)
	}
	current, err := decodeNode(currentDoc)
	if err != nil {
		return err
	}
	if !reflow.IsValidVersionBump(current.Version, model.Version) {
		return reflow.Errorf(reflow.CodeValidation,
			"node family %s: invalid version bump %s -> %s", model.FamilyID, current.Version, model.Version)
	}

	stored := model.Clone()
	stored.IsLatest = true
	stored.UpdatedAt = time.Now().UTC()
	if err := demoteFamily(ctx, tx, stored.FamilyID); err != nil {
		return err
	}
	if err := insertNode(ctx, tx, stored); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}

	s.mu.RLock()
	hook := s.onNodeUpdate
	s.mu.RUnlock()
	if hook != nil {
		hook(stored.Clone())
	}
	return nil
}

func (s *SQLite) LatestByFamily(ctx context.Context, familyID string) (*reflow.NodeMetamodel, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM meta_nodes WHERE family_id = ? AND is_latest = 1`,
		familyID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reflow.Errorf(reflow.CodeValidation, "node family %s not found", familyID)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load latest of family: %w", err)
	}
	return decodeNode(doc)
}

func (s *SQLite) AllByFamily(ctx context.Context, familyID string) ([]*reflow.NodeMetamodel, error) {
	return s.nodesWhere(ctx,
		`family_id = ? ORDER BY major DESC, minor DESC, patch DESC`, familyID)
}

func (s *SQLite) SearchNodes(ctx context.Context, q NodeSearchQuery) ([]NodeMatch, error) {
	models, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var matches []NodeMatch
	for _, model := range models {
		matches = append(matches, NodeMatch{Node: model, Score: hybridScore(model, q)})
	}
	return rankMatches(matches, q.Limit), nil
}

func (s *SQLite) nodesWhere(ctx context.Context, clause string, args ...any) ([]*reflow.NodeMetamodel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM meta_nodes WHERE `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query nodes: %w", err)
	}
	defer rows.Close()

	var out []*reflow.NodeMetamodel
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("catalog: scan node: %w", err)
		}
		model, err := decodeNode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, rows.Err()
}

func familyHasLatest(ctx context.Context, tx *sql.Tx, familyID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meta_nodes WHERE family_id = ? AND is_latest = 1`,
		familyID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("catalog: check family latest: %w", err)
	}
	return count > 0, nil
}

func demoteFamily(ctx context.Context, tx *sql.Tx, familyID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, document FROM meta_nodes WHERE family_id = ? AND is_latest = 1`, familyID)
	if err != nil {
		return fmt.Errorf("catalog: load family latest: %w", err)
	}
	type demoted struct {
		id  string
		doc string
	}
	var pending []demoted
	for rows.Next() {
		var d demoted
		if err := rows.Scan(&d.id, &d.doc); err != nil {
			_ = rows.Close()
			return fmt.Errorf("catalog: scan family latest: %w", err)
		}
		pending = append(pending, d)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("catalog: family latest rows: %w", err)
	}

	for _, d := range pending {
		model, err := decodeNode(d.doc)
		if err != nil {
			return err
		}
		model.IsLatest = false
		doc, err := json.Marshal(model)
		if err != nil {
			return fmt.Errorf("catalog: marshal node: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE meta_nodes SET is_latest = 0, document = ? WHERE id = ?`,
			string(doc), d.id); err != nil {
			return fmt.Errorf("catalog: demote node %s: %w", d.id, err)
		}
	}
	return nil
}

func insertNode(ctx context.Context, tx *sql.Tx, model *reflow.NodeMetamodel) error {
	doc, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("catalog: marshal node: %w", err)
	}
	isLatest := 0
	if model.IsLatest {
		isLatest = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta_nodes (id, family_id, major, minor, patch, is_latest, name, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.FamilyID,
		model.Version.Major, model.Version.Minor, model.Version.Patch,
		isLatest, model.Name, string(doc))
	if err != nil {
		return reflow.WrapError(reflow.CodeValidation, err, "inserting node %s", model.ID)
	}
	return nil
}

func decodeNode(doc string) (*reflow.NodeMetamodel, error) {
	var model reflow.NodeMetamodel
	if err := json.Unmarshal([]byte(doc), &model); err != nil {
		return nil, fmt.Errorf("catalog: decode node: %w", err)
	}
	return &model, nil
}

// --- workflows ---

func (s *SQLite) CreateWorkflow(ctx context.Context, workflow *reflow.WorkflowMetamodel) error {
	err := workflow.Validate(func(id string) (*reflow.NodeMetamodel, error) {
		return s.GetNode(ctx, id)
	})
	if err != nil {
		return err
	}
	stored := cloneJSON(workflow)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("catalog: marshal workflow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta_workflows (id, document) VALUES (?, ?)`,
		stored.ID, string(doc)); err != nil {
		return reflow.WrapError(reflow.CodeValidation, err, "creating workflow %s", stored.ID)
	}
	for _, h := range stored.HandledIntents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_intents (workflow_id, intent_id) VALUES (?, ?)`,
			stored.ID, h.IntentID); err != nil {
			return fmt.Errorf("catalog: index handled intent: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetWorkflow(ctx context.Context, id string) (*reflow.WorkflowMetamodel, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM meta_workflows WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reflow.Errorf(reflow.CodeValidation, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load workflow: %w", err)
	}
	return decodeWorkflow(doc)
}

func (s *SQLite) ListWorkflows(ctx context.Context) ([]*reflow.WorkflowMetamodel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM meta_workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list workflows: %w", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *SQLite) WorkflowsByHandledIntent(ctx context.Context, intentID string) ([]*reflow.WorkflowMetamodel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.document FROM meta_workflows w
		 JOIN workflow_intents wi ON wi.workflow_id = w.id
		 WHERE wi.intent_id = ? ORDER BY w.id`, intentID)
	if err != nil {
		return nil, fmt.Errorf("catalog: workflows by intent: %w", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

// MergeEdgeBindings coalesces learned bindings onto an edge inside a
// read-modify-write transaction.
func (s *SQLite) MergeEdgeBindings(ctx context.Context, workflowID, edgeID string, bindings map[string]string) error {
	return s.mutateWorkflow(ctx, workflowID, func(workflow *reflow.WorkflowMetamodel) error {
		edge, ok := workflow.EdgeByID(edgeID)
		if !ok {
			return reflow.Errorf(reflow.CodeValidation, "workflow %s: edge %s not found", workflowID, edgeID)
		}
		if edge.Bindings == nil {
			edge.Bindings = make(map[string]string, len(bindings))
		}
		for src, tgt := range bindings {
			edge.Bindings[src] = tgt
		}
		return nil
	})
}

func (s *SQLite) TouchHandledIntent(ctx context.Context, workflowID, intentID string, at time.Time) error {
	return s.mutateWorkflow(ctx, workflowID, func(workflow *reflow.WorkflowMetamodel) error {
		for i := range workflow.HandledIntents {
			if workflow.HandledIntents[i].IntentID == intentID {
				stamp := at
				workflow.HandledIntents[i].LastExecuted = &stamp
				return nil
			}
		}
		return reflow.Errorf(reflow.CodeValidation, "workflow %s does not handle intent %s", workflowID, intentID)
	})
}

func (s *SQLite) mutateWorkflow(ctx context.Context, workflowID string, mutate func(*reflow.WorkflowMetamodel) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM meta_workflows WHERE id = ?`, workflowID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return reflow.Errorf(reflow.CodeValidation, "workflow %s not found", workflowID)
	}
	if err != nil {
		return fmt.Errorf("catalog: load workflow: %w", err)
	}
	workflow, err := decodeWorkflow(doc)
	if err != nil {
		return err
	}
	if err := mutate(workflow); err != nil {
		return err
	}
	workflow.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("catalog: marshal workflow: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE meta_workflows SET document = ? WHERE id = ?`,
		string(updated), workflowID); err != nil {
		return fmt.Errorf("catalog: update workflow: %w", err)
	}
	return tx.Commit()
}

func scanWorkflows(rows *sql.Rows) ([]*reflow.WorkflowMetamodel, error) {
	var out []*reflow.WorkflowMetamodel
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("catalog: scan workflow: %w", err)
		}
		workflow, err := decodeWorkflow(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, workflow)
	}
	return out, rows.Err()
}

func decodeWorkflow(doc string) (*reflow.WorkflowMetamodel, error) {
	var workflow reflow.WorkflowMetamodel
	if err := json.Unmarshal([]byte(doc), &workflow); err != nil {
		return nil, fmt.Errorf("catalog: decode workflow: %w", err)
	}
	return &workflow, nil
}

// Compile-time interface checks.
var _ Catalog = (*SQLite)(nil)
var _ reflow.WorkflowStore = (*SQLite)(nil)
var _ reflow.IntentSource = (*SQLite)(nil)
