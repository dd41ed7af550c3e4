package reflow

import (
	"errors"
	"testing"
)

func TestPortValidate(t *testing.T) {
	tests := []struct {
		name    string
		port    Port
		wantErr bool
	}{
		{"standard port", Port{Key: "in", Kind: PortKindStandard, Schema: SchemaString()}, false},
		{"llm role", Port{Key: "prompt", Kind: PortKindLLM, Role: RoleUserPrompt, Schema: SchemaString()}, false},
		{"missing key", Port{Kind: PortKindStandard, Schema: SchemaString()}, true},
		{"missing schema", Port{Key: "in", Kind: PortKindStandard}, true},
		{"unknown kind", Port{Key: "in", Kind: PortKind("weird"), Schema: SchemaString()}, true},
		{"standard with role", Port{Key: "in", Kind: PortKindStandard, Role: RoleResponse, Schema: SchemaString()}, true},
		{"role from wrong kind", Port{Key: "v", Kind: PortKindEmbeddings, Role: RoleUserPrompt, Schema: SchemaString()}, true},
		{"default matches schema", Port{Key: "n", Kind: PortKindStandard, Schema: SchemaInt(), DefaultValue: 5}, false},
		{"default violates schema", Port{Key: "n", Kind: PortKindStandard, Schema: SchemaInt(), DefaultValue: "five"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.port.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPortSetValidate_DuplicateKeys(t *testing.T) {
	set := PortSet{
		{Key: "a", Kind: PortKindStandard, Schema: SchemaString()},
		{Key: "a", Kind: PortKindStandard, Schema: SchemaInt()},
	}
	if CodeOf(set.Validate()) != CodeValidation {
		t.Fatal("duplicate keys should fail")
	}
}

func TestPortSetAccessors(t *testing.T) {
	set := PortSet{
		{Key: "prompt", Kind: PortKindLLM, Role: RoleUserPrompt, Schema: SchemaString()},
		{Key: "tone", Kind: PortKindLLM, Role: RoleSystemPromptVariable, Schema: SchemaString()},
		{Key: "extra", Kind: PortKindLLM, Role: RoleUserPrompt, Schema: &PortSchema{Kind: KindString, Required: true}},
	}

	if _, ok := set.ByKey("tone"); !ok {
		t.Error("ByKey missed tone")
	}
	if _, ok := set.ByKey("absent"); ok {
		t.Error("ByKey found absent key")
	}
	if got := set.ByRole(RoleUserPrompt); len(got) != 2 || got[0].Key != "prompt" {
		t.Errorf("ByRole = %v", got)
	}
	if got := set.Keys(); len(got) != 3 || got[0] != "prompt" {
		t.Errorf("Keys = %v", got)
	}
	if got := set.Required(); len(got) != 1 || got[0].Key != "extra" {
		t.Errorf("Required = %v", got)
	}
}

func TestPortSetSchemaByPath(t *testing.T) {
	set := PortSet{
		{Key: "doc", Kind: PortKindStandard, Schema: SchemaObject(map[string]*PortSchema{
			"title": SchemaString(),
		})},
	}

	schema, err := set.SchemaByPath("doc.title")
	if err != nil {
		t.Fatalf("SchemaByPath: %v", err)
	}
	if schema.Kind != KindString {
		t.Fatalf("kind = %s", schema.Kind)
	}
	if _, err := set.SchemaByPath("nope.title"); !errors.Is(err, ErrUnknownSegment) {
		t.Fatalf("unknown port: %v", err)
	}
	if _, err := set.SchemaByPath("doc.body"); !errors.Is(err, ErrUnknownSegment) {
		t.Fatalf("unknown property: %v", err)
	}
}
