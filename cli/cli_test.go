package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/catalog"
	"github.com/reflow-labs/reflow/config"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "reflow",
		SilenceUsage: true,
	}
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validNodeJSON = `{
  "id": "n1",
  "family_id": "fam",
  "version": {"major": 1, "minor": 0, "patch": 0},
  "enabled": true,
  "type": "gateway",
  "name": "passthrough",
  "input_ports": [
    {"key": "in", "kind": "standard", "schema": {"type": "STRING"}}
  ],
  "output_ports": [
    {"key": "out", "kind": "standard", "schema": {"type": "STRING"}}
  ]
}`

const validIntentYAML = `kind: intent
id: i1
name: SEARCH_DOCS
description: find documents by meaning
`

const danglingWorkflowJSON = `{
  "id": "w1",
  "name": "broken",
  "enabled": true,
  "nodes": [
    {"id": "a", "node_metamodel_id": "n1"}
  ],
  "edges": [
    {"id": "e1", "source_node_id": "a", "target_node_id": "ghost", "bindings": {"out": "in"}}
  ]
}`

func TestValidate_ValidFiles(t *testing.T) {
	nodePath := writeTestFile(t, "node.json", validNodeJSON)
	intentPath := writeTestFile(t, "intent.yaml", validIntentYAML)

	stdout, _, err := executeCommand(newTestRoot(), "validate", nodePath, intentPath)
	if err != nil {
		t.Fatalf("validate returned error: %v", err)
	}
	if !strings.Contains(stdout, "Valid!") {
		t.Fatalf("output missing summary:\n%s", stdout)
	}
	if !strings.Contains(stdout, "node_metamodel n1") || !strings.Contains(stdout, "intent i1") {
		t.Fatalf("output missing per-file verdicts:\n%s", stdout)
	}
}

func TestValidate_InvalidWorkflowExitsValidation(t *testing.T) {
	path := writeTestFile(t, "workflow.json", danglingWorkflowJSON)

	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitValidation {
		t.Fatalf("err=%v, want ExitError code %d", err, exitValidation)
	}
	if !strings.Contains(stdout, "FAIL") {
		t.Fatalf("output missing failure line:\n%s", stdout)
	}
}

func TestValidate_MissingFileExitCode(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", filepath.Join(t.TempDir(), "nope.json"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitFileNotFound {
		t.Fatalf("err=%v, want ExitError code %d", err, exitFileNotFound)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "node.json", validNodeJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", "--format", "json", path)
	if err != nil {
		t.Fatalf("validate returned error: %v", err)
	}
	if !strings.Contains(stdout, `"valid": true`) || !strings.Contains(stdout, `"kind": "node_metamodel"`) {
		t.Fatalf("json output wrong:\n%s", stdout)
	}
}

func TestBuildEngine_HydratesCatalog(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()

	node := &reflow.NodeMetamodel{
		ID:       "n1",
		FamilyID: "fam",
		Version:  reflow.Version{Major: 1},
		Enabled:  true,
		Kind:     reflow.NodeKindGateway,
		Name:     "passthrough",
		InputPorts: []reflow.Port{
			{Key: "in", Kind: reflow.PortKindStandard, Schema: reflow.SchemaString()},
		},
		OutputPorts: []reflow.Port{
			{Key: "out", Kind: reflow.PortKindStandard, Schema: reflow.SchemaString()},
		},
	}
	if err := cat.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	workflow := &reflow.WorkflowMetamodel{
		ID:      "w1",
		Name:    "pass",
		Enabled: true,
		Nodes: []reflow.WorkflowNode{
			{ID: "a", NodeMetamodelID: "n1"},
			{ID: "b", NodeMetamodelID: "n1"},
		},
		Edges: []reflow.WorkflowEdge{
			{ID: "e1", SourceNodeID: "a", TargetNodeID: "b", Bindings: map[string]string{"out": "in"}},
		},
	}
	if err := cat.CreateWorkflow(ctx, workflow); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	cfg := config.Default()
	cfg.Providers = map[string]config.Provider{"openai": {APIKey: "test-key"}}

	engine, err := BuildEngine(ctx, EngineConfig{Config: cfg, Catalog: cat})
	if err != nil {
		t.Fatalf("BuildEngine: %v", err)
	}
	defer engine.Close()

	if engine.Nodes.Len() != 1 {
		t.Fatalf("node registry has %d instances, want 1", engine.Nodes.Len())
	}
	if _, err := engine.Workflows.Get("w1"); err != nil {
		t.Fatalf("workflow w1 not registered: %v", err)
	}
	if engine.Orchestrator == nil {
		t.Fatal("orchestrator not built")
	}
}

func TestBuildEngine_NodeUpdateSwapsInstanceMetamodel(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()

	node := &reflow.NodeMetamodel{
		ID:       "n1",
		FamilyID: "fam",
		Version:  reflow.Version{Major: 1},
		Enabled:  true,
		Kind:     reflow.NodeKindGateway,
		Name:     "passthrough",
		InputPorts: []reflow.Port{
			{Key: "in", Kind: reflow.PortKindStandard, Schema: reflow.SchemaString()},
		},
		OutputPorts: []reflow.Port{
			{Key: "out", Kind: reflow.PortKindStandard, Schema: reflow.SchemaString()},
		},
	}
	if err := cat.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	cfg := config.Default()
	cfg.Providers = map[string]config.Provider{"openai": {APIKey: "test-key"}}
	engine, err := BuildEngine(ctx, EngineConfig{Config: cfg, Catalog: cat})
	if err != nil {
		t.Fatalf("BuildEngine: %v", err)
	}
	defer engine.Close()

	next := *node
	next.ID = "n2"
	next.Version = reflow.Version{Major: 1, Minor: 1}
	next.Name = "passthrough-v2"
	if err := cat.UpdateNode(ctx, &next); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	// The new version gets its own instance.
	instance, err := engine.Nodes.Get("n2")
	if err != nil {
		t.Fatalf("new version not registered: %v", err)
	}
	if instance.Metamodel().Name != "passthrough-v2" {
		t.Fatalf("instance metamodel = %q", instance.Metamodel().Name)
	}
}

func TestBuildEngine_UnknownProviderFails(t *testing.T) {
	cfg := config.Default()
	// No providers configured at all.
	cfg.Providers = nil

	_, err := BuildEngine(context.Background(), EngineConfig{Config: cfg, Catalog: catalog.NewMemory()})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitProvider {
		t.Fatalf("err=%v, want ExitError code %d", err, exitProvider)
	}
}
