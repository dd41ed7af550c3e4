package reflow

import (
	"fmt"
)

// PortKind discriminates the port variants. Each node kind owns a
// matching port kind; the role set is specific to the kind.
type PortKind string

const (
	PortKindStandard   PortKind = "standard"
	PortKindLLM        PortKind = "llm"
	PortKindEmbeddings PortKind = "embeddings"
	PortKindVectorDB   PortKind = "vector_db"
	PortKindRest       PortKind = "rest"
)

// PortRole tags how a port participates in its effector.
type PortRole string

// LLM port roles.
const (
	RoleUserPrompt           PortRole = "USER_PROMPT"
	RoleSystemPromptVariable PortRole = "SYSTEM_PROMPT_VARIABLE"
	RoleResponse             PortRole = "RESPONSE"
)

// Embeddings port roles.
const (
	RoleInputText    PortRole = "INPUT_TEXT"
	RoleOutputVector PortRole = "OUTPUT_VECTOR"
)

// Vector-db port roles.
const (
	RoleInputVector PortRole = "INPUT_VECTOR"
	RoleResults     PortRole = "RESULTS"
	RoleFirstResult PortRole = "FIRST_RESULT"
)

// REST port roles.
const (
	RoleRequestBodyField    PortRole = "REQUEST_BODY_FIELD"
	RoleRequestHeader       PortRole = "REQUEST_HEADER"
	RoleRequestPathVariable PortRole = "REQUEST_PATH_VARIABLE"
	RoleRequestQueryVar     PortRole = "REQUEST_QUERY_VARIABLE"
	RoleResponseBodyField   PortRole = "RESPONSE_BODY_FIELD"
	RoleResponseStatus      PortRole = "RESPONSE_STATUS"
)

var portRolesByKind = map[PortKind][]PortRole{
	PortKindStandard: {},
	PortKindLLM: {
		RoleUserPrompt, RoleSystemPromptVariable, RoleResponse,
	},
	PortKindEmbeddings: {
		RoleInputText, RoleOutputVector,
	},
	PortKindVectorDB: {
		RoleInputVector, RoleResults, RoleFirstResult,
	},
	PortKindRest: {
		RoleRequestBodyField, RoleRequestHeader, RoleRequestPathVariable,
		RoleRequestQueryVar, RoleResponseBodyField, RoleResponseStatus,
	},
}

// Port is a named, typed endpoint on a node. Ports are owned by their
// parent NodeMetamodel; Key is unique within that node's input or
// output port set.
type Port struct {
	Key          string      `json:"key"`
	Kind         PortKind    `json:"kind"`
	Role         PortRole    `json:"role,omitempty"`
	Schema       *PortSchema `json:"schema"`
	DefaultValue any         `json:"default_value,omitempty"`
}

// Validate checks the port's structural invariants: a key, a schema,
// and a role drawn from the port kind's role set. Standard ports
// carry no role.
func (p Port) Validate() error {
	if p.Key == "" {
		return Errorf(CodeValidation, "port key is required")
	}
	if p.Schema == nil {
		return Errorf(CodeValidation, "port %q has no schema", p.Key)
	}
	roles, ok := portRolesByKind[p.Kind]
	if !ok {
		return Errorf(CodeValidation, "port %q has unknown kind %q", p.Key, p.Kind)
	}
	if p.Kind == PortKindStandard {
		if p.Role != "" {
			return Errorf(CodeValidation, "port %q: standard ports carry no role", p.Key)
		}
	} else if !roleAllowed(p.Role, roles) {
		return Errorf(CodeValidation, "port %q: role %q not valid for kind %q", p.Key, p.Role, p.Kind)
	}
	if p.DefaultValue != nil && !IsValidValue(p.DefaultValue, p.Schema) {
		return Errorf(CodeValidation, "port %q: default value does not match schema", p.Key)
	}
	return nil
}

func roleAllowed(role PortRole, roles []PortRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// PortSet is an ordered collection of ports keyed by Port.Key.
type PortSet []Port

// ByKey returns the port with the given key.
func (ps PortSet) ByKey(key string) (Port, bool) {
	for _, p := range ps {
		if p.Key == key {
			return p, true
		}
	}
	return Port{}, false
}

// ByRole returns every port carrying the given role, in declaration
// order.
func (ps PortSet) ByRole(role PortRole) []Port {
	var out []Port
	for _, p := range ps {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Keys returns the port keys in declaration order.
func (ps PortSet) Keys() []string {
	keys := make([]string, 0, len(ps))
	for _, p := range ps {
		keys = append(keys, p.Key)
	}
	return keys
}

// Required returns the ports whose schemas are required.
func (ps PortSet) Required() []Port {
	var out []Port
	for _, p := range ps {
		if p.Schema != nil && p.Schema.Required {
			out = append(out, p)
		}
	}
	return out
}

// SchemaByPath resolves a dotted path whose first segment is a port
// key and whose remainder descends that port's schema.
func (ps PortSet) SchemaByPath(path string) (*PortSchema, error) {
	key, rest := splitPortPath(path)
	port, ok := ps.ByKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: port %q", ErrUnknownSegment, key)
	}
	return port.Schema.SchemaByPath(rest)
}

// Validate checks every port and rejects duplicate keys.
func (ps PortSet) Validate() error {
	seen := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Key]; dup {
			return Errorf(CodeValidation, "duplicate port key %q", p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	return nil
}

// splitPortPath splits "key.rest.of.path" into the port key and the
// schema-relative remainder.
func splitPortPath(path string) (key, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
