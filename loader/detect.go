// Package loader reads metamodel documents from YAML or JSON files
// and installs them into a catalog. It auto-detects whether a file
// holds an intent, a node metamodel, or a workflow.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocKind identifies the type of document held in a file.
type DocKind string

const (
	DocKindIntent   DocKind = "intent"
	DocKindNode     DocKind = "node_metamodel"
	DocKindWorkflow DocKind = "workflow"
)

// DetectDocument auto-detects the document kind from file content and
// path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, else JSON)
//  2. An explicit top-level "kind" of intent/node_metamodel/workflow wins
//  3. "nodes" AND "edges" -> workflow
//  4. "type" with ports -> node metamodel
//  5. "name" AND "description" without ports -> intent
//  6. Else error
func DetectDocument(data []byte, filePath string) (DocKind, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if kind, ok := raw["kind"].(string); ok {
		switch DocKind(kind) {
		case DocKindIntent, DocKindNode, DocKindWorkflow:
			return DocKind(kind), nil
		}
	}

	if hasKey(raw, "nodes") && hasKey(raw, "edges") {
		return DocKindWorkflow, nil
	}
	if hasKey(raw, "type") && (hasKey(raw, "input_ports") || hasKey(raw, "output_ports")) {
		return DocKindNode, nil
	}
	if hasKey(raw, "name") && hasKey(raw, "description") {
		return DocKindIntent, nil
	}

	return "", fmt.Errorf("unable to detect document kind: file matches no known schema")
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes, so all
// typed decoding goes through one set of struct tags:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
