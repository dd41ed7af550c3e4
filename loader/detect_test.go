package loader

import (
	"encoding/json"
	"testing"
)

func TestDetectDocument_ExplicitKind(t *testing.T) {
	data := []byte(`{"kind": "intent", "id": "i1", "name": "SEARCH_DOCS"}`)
	kind, err := DetectDocument(data, "intent.json")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindIntent {
		t.Errorf("kind = %q, want %q", kind, DocKindIntent)
	}
}

func TestDetectDocument_WorkflowJSON(t *testing.T) {
	data := []byte(`{"id": "w1", "nodes": [], "edges": []}`)
	kind, err := DetectDocument(data, "workflow.json")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindWorkflow {
		t.Errorf("kind = %q, want %q", kind, DocKindWorkflow)
	}
}

func TestDetectDocument_NodeJSON(t *testing.T) {
	data := []byte(`{"id": "n1", "type": "gateway", "input_ports": []}`)
	kind, err := DetectDocument(data, "node.json")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindNode {
		t.Errorf("kind = %q, want %q", kind, DocKindNode)
	}
}

func TestDetectDocument_IntentFallback(t *testing.T) {
	data := []byte(`{"id": "i1", "name": "SEARCH_DOCS", "description": "find documents"}`)
	kind, err := DetectDocument(data, "intent.json")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindIntent {
		t.Errorf("kind = %q, want %q", kind, DocKindIntent)
	}
}

func TestDetectDocument_ExplicitKindWinsOverShape(t *testing.T) {
	// Has nodes and edges, but the explicit kind takes priority.
	data := []byte(`{"kind": "node_metamodel", "nodes": [], "edges": []}`)
	kind, err := DetectDocument(data, "doc.json")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindNode {
		t.Errorf("kind = %q, want %q", kind, DocKindNode)
	}
}

func TestDetectDocument_YAML(t *testing.T) {
	data := []byte("id: w1\nnodes: []\nedges: []\n")
	kind, err := DetectDocument(data, "workflow.yaml")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindWorkflow {
		t.Errorf("kind = %q, want %q", kind, DocKindWorkflow)
	}
}

func TestDetectDocument_YMLExtension(t *testing.T) {
	data := []byte("id: n1\ntype: gateway\noutput_ports: []\n")
	kind, err := DetectDocument(data, "node.yml")
	if err != nil {
		t.Fatalf("DetectDocument() error = %v", err)
	}
	if kind != DocKindNode {
		t.Errorf("kind = %q, want %q", kind, DocKindNode)
	}
}

func TestDetectDocument_InvalidContent(t *testing.T) {
	data := []byte(`{"foo": "bar"}`)
	_, err := DetectDocument(data, "doc.json")
	if err == nil {
		t.Fatal("expected error for unrecognizable content")
	}
}

func TestDetectDocument_InvalidJSON(t *testing.T) {
	data := []byte(`{invalid`)
	_, err := DetectDocument(data, "doc.json")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDetectDocument_InvalidYAML(t *testing.T) {
	data := []byte("\t\tinvalid yaml content\n\t- broken")
	_, err := DetectDocument(data, "doc.yaml")
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestIsYAML(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"file.yaml", true},
		{"file.yml", true},
		{"file.YAML", true},
		{"file.json", false},
		{"file.txt", false},
		{"file.intent.yaml", true},
		{"file.workflow.json", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := isYAML(tt.path)
			if got != tt.want {
				t.Errorf("isYAML(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestYamlToJSON(t *testing.T) {
	yamlData := []byte("name: test\ncount: 42\n")
	jsonData, err := yamlToJSON(yamlData)
	if err != nil {
		t.Fatalf("yamlToJSON() error = %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if m["name"] != "test" {
		t.Errorf("name = %v, want %q", m["name"], "test")
	}
}
