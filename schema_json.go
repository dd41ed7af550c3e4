package reflow

import (
	"encoding/json"
	"fmt"
)

// schemaJSON is the stable wire form of a PortSchema. The same shape
// is stored in the catalog and embedded verbatim in adapter and
// structured-output prompts; encoding/json sorts object keys, which
// keeps the serialization deterministic.
type schemaJSON struct {
	Type       string                 `json:"type"`
	Items      *PortSchema            `json:"items,omitempty"`
	Properties map[string]*PortSchema `json:"properties,omitempty"`
	Required   bool                   `json:"required,omitempty"`
	Default    any                    `json:"default,omitempty"`
}

// MarshalJSON serializes the schema in its stable wire form.
func (s *PortSchema) MarshalJSON() ([]byte, error) {
	out := schemaJSON{
		Type:     string(s.Kind),
		Items:    s.Items,
		Required: s.Required,
		Default:  s.DefaultValue,
	}
	if s.Kind == KindObject {
		props := s.Properties
		if props == nil {
			props = map[string]*PortSchema{}
		}
		out.Properties = props
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a schema from its wire form.
func (s *PortSchema) UnmarshalJSON(data []byte) error {
	var raw schemaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind := SchemaKind(raw.Type)
	switch kind {
	case KindString, KindInt, KindFloat, KindBoolean, KindDate, KindArray, KindObject:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchema, raw.Type)
	}
	if kind == KindArray && raw.Items == nil {
		return fmt.Errorf("%w: array schema requires items", ErrInvalidSchema)
	}
	s.Kind = kind
	s.Items = raw.Items
	s.Properties = raw.Properties
	if kind == KindObject && s.Properties == nil {
		s.Properties = map[string]*PortSchema{}
	}
	s.Required = raw.Required
	s.DefaultValue = raw.Default
	return nil
}

// SchemaJSON renders the stable JSON form as a string, for use in
// prompts and logs. Marshal failures degrade to the kind name.
func SchemaJSON(s *PortSchema) string {
	data, err := json.Marshal(s)
	if err != nil {
		return string(s.Kind)
	}
	return string(data)
}
