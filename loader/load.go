package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/catalog"
)

// Document is one decoded file: exactly one of the payload fields is
// set, matching Kind.
type Document struct {
	Kind     DocKind
	Intent   *reflow.IntentMetamodel
	Node     *reflow.NodeMetamodel
	Workflow *reflow.WorkflowMetamodel
}

// LoadDocument reads a file, auto-detects its document kind, decodes
// the payload and validates what can be validated without a catalog.
// Workflow documents are checked structurally only; metamodel
// references resolve when the document is installed.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	kind, err := DetectDocument(data, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	doc := &Document{Kind: kind}
	switch kind {
	case DocKindIntent:
		var intent reflow.IntentMetamodel
		if err := json.Unmarshal(jsonData, &intent); err != nil {
			return nil, fmt.Errorf("%s: parsing intent: %w", path, err)
		}
		if err := intent.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		doc.Intent = &intent
	case DocKindNode:
		var node reflow.NodeMetamodel
		if err := json.Unmarshal(jsonData, &node); err != nil {
			return nil, fmt.Errorf("%s: parsing node metamodel: %w", path, err)
		}
		if err := node.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		doc.Node = &node
	case DocKindWorkflow:
		var workflow reflow.WorkflowMetamodel
		if err := json.Unmarshal(jsonData, &workflow); err != nil {
			return nil, fmt.Errorf("%s: parsing workflow: %w", path, err)
		}
		if err := workflow.Validate(nil); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		doc.Workflow = &workflow
	default:
		return nil, fmt.Errorf("%s: unknown document kind %q", path, kind)
	}
	return doc, nil
}

// LoadIntent loads and validates a single intent file.
func LoadIntent(path string) (*reflow.IntentMetamodel, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if doc.Kind != DocKindIntent {
		return nil, fmt.Errorf("%s: expected an intent, found %s", path, doc.Kind)
	}
	return doc.Intent, nil
}

// LoadNode loads and validates a single node metamodel file.
func LoadNode(path string) (*reflow.NodeMetamodel, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if doc.Kind != DocKindNode {
		return nil, fmt.Errorf("%s: expected a node metamodel, found %s", path, doc.Kind)
	}
	return doc.Node, nil
}

// LoadWorkflow loads and structurally validates a single workflow
// file. Metamodel references are not resolved; install through Seed
// or catalog.CreateWorkflow for the full check.
func LoadWorkflow(path string) (*reflow.WorkflowMetamodel, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if doc.Kind != DocKindWorkflow {
		return nil, fmt.Errorf("%s: expected a workflow, found %s", path, doc.Kind)
	}
	return doc.Workflow, nil
}

// Seed loads every .json/.yaml/.yml file under dir and installs the
// documents into the catalog: intents first, then node metamodels,
// then workflows, so workflow validation can resolve its references.
// Files within a phase install in path order.
func Seed(ctx context.Context, c catalog.Catalog, dir string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".json", ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(paths)

	docs := make([]*Document, 0, len(paths))
	byPath := make(map[*Document]string, len(paths))
	for _, path := range paths {
		doc, err := LoadDocument(path)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		byPath[doc] = path
	}

	for _, phase := range []DocKind{DocKindIntent, DocKindNode, DocKindWorkflow} {
		for _, doc := range docs {
			if doc.Kind != phase {
				continue
			}
			var err error
			switch doc.Kind {
			case DocKindIntent:
				err = c.CreateIntent(ctx, doc.Intent)
			case DocKindNode:
				err = c.CreateNode(ctx, doc.Node)
			case DocKindWorkflow:
				err = c.CreateWorkflow(ctx, doc.Workflow)
			}
			if err != nil {
				return fmt.Errorf("installing %s: %w", byPath[doc], err)
			}
		}
	}
	return nil
}

// toJSON converts data to JSON bytes, handling YAML conversion if the
// path indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}
