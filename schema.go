package reflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schema errors.
var (
	ErrInvalidSchema  = errors.New("invalid schema")
	ErrUnknownSegment = errors.New("unknown schema path segment")
)

// SchemaKind identifies the structural variant of a PortSchema.
type SchemaKind string

const (
	KindString  SchemaKind = "STRING"
	KindInt     SchemaKind = "INT"
	KindFloat   SchemaKind = "FLOAT"
	KindBoolean SchemaKind = "BOOLEAN"
	KindDate    SchemaKind = "DATE"
	KindArray   SchemaKind = "ARRAY"
	KindObject  SchemaKind = "OBJECT"
)

// String returns the string representation of the SchemaKind.
func (k SchemaKind) String() string {
	return string(k)
}

// PortSchema is a recursive structural type describing the shape of a
// value flowing through a port. Schemas are immutable after
// construction; build them with the Schema* constructors or the
// SchemaBuilder.
type PortSchema struct {
	Kind SchemaKind

	// Items is the element schema, present only for ARRAY.
	Items *PortSchema

	// Properties are the declared fields, present only for OBJECT.
	// An empty map declares an open object on the target side of a
	// compatibility check.
	Properties map[string]*PortSchema

	// Required marks input ports that must carry a non-null value.
	Required bool

	// DefaultValue is applied when no value is bound. It must satisfy
	// IsValidValue against the schema itself.
	DefaultValue any
}

// SchemaString returns a STRING schema.
func SchemaString() *PortSchema { return &PortSchema{Kind: KindString} }

// SchemaInt returns an INT schema.
func SchemaInt() *PortSchema { return &PortSchema{Kind: KindInt} }

// SchemaFloat returns a FLOAT schema.
func SchemaFloat() *PortSchema { return &PortSchema{Kind: KindFloat} }

// SchemaBoolean returns a BOOLEAN schema.
func SchemaBoolean() *PortSchema { return &PortSchema{Kind: KindBoolean} }

// SchemaDate returns a DATE schema.
func SchemaDate() *PortSchema { return &PortSchema{Kind: KindDate} }

// SchemaArray returns an ARRAY schema over the given element schema.
func SchemaArray(items *PortSchema) *PortSchema {
	return &PortSchema{Kind: KindArray, Items: items}
}

// SchemaObject returns an OBJECT schema over the given properties.
// A nil map is normalized to an empty (open) property set.
func SchemaObject(properties map[string]*PortSchema) *PortSchema {
	if properties == nil {
		properties = map[string]*PortSchema{}
	}
	return &PortSchema{Kind: KindObject, Properties: properties}
}

// SchemaBuilder assembles a PortSchema and validates the default
// value against the finished shape.
type SchemaBuilder struct {
	schema *PortSchema
	err    error
}

// NewSchemaBuilder starts a builder for the given kind.
func NewSchemaBuilder(kind SchemaKind) *SchemaBuilder {
	b := &SchemaBuilder{schema: &PortSchema{Kind: kind}}
	switch kind {
	case KindString, KindInt, KindFloat, KindBoolean, KindDate:
	case KindArray, KindObject:
	default:
		b.err = fmt.Errorf("%w: unknown kind %q", ErrInvalidSchema, kind)
	}
	if kind == KindObject {
		b.schema.Properties = map[string]*PortSchema{}
	}
	return b
}

// Items sets the ARRAY element schema.
func (b *SchemaBuilder) Items(items *PortSchema) *SchemaBuilder {
	if b.err == nil && b.schema.Kind != KindArray {
		b.err = fmt.Errorf("%w: items on non-array kind %s", ErrInvalidSchema, b.schema.Kind)
		return b
	}
	b.schema.Items = items
	return b
}

// Property declares an OBJECT property.
func (b *SchemaBuilder) Property(name string, schema *PortSchema) *SchemaBuilder {
	if b.err == nil && b.schema.Kind != KindObject {
		b.err = fmt.Errorf("%w: property on non-object kind %s", ErrInvalidSchema, b.schema.Kind)
		return b
	}
	if b.schema.Properties == nil {
		b.schema.Properties = map[string]*PortSchema{}
	}
	b.schema.Properties[name] = schema
	return b
}

// Required marks the schema as required.
func (b *SchemaBuilder) Required(required bool) *SchemaBuilder {
	b.schema.Required = required
	return b
}

// Default sets the default value. Validation happens in Build.
func (b *SchemaBuilder) Default(v any) *SchemaBuilder {
	b.schema.DefaultValue = v
	return b
}

// Build finalizes the schema. A default value that does not validate
// against the schema fails construction.
func (b *SchemaBuilder) Build() (*PortSchema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.schema.Kind == KindArray && b.schema.Items == nil {
		return nil, fmt.Errorf("%w: array schema requires an items schema", ErrInvalidSchema)
	}
	if b.schema.DefaultValue != nil && !IsValidValue(b.schema.DefaultValue, b.schema) {
		return nil, fmt.Errorf("%w: default value does not match schema %s", ErrInvalidSchema, b.schema.Kind)
	}
	return b.schema, nil
}

// IsCompatible reports whether a value produced under src can feed a
// port declared as tgt. The relation is reflexive but not symmetric:
//   - identical primitives are compatible;
//   - INT and FLOAT are mutually compatible (narrowing loses the
//     fractional part);
//   - arrays are compatible iff their element schemas are;
//   - an object source is compatible with an object target iff every
//     property the target declares exists on the source with a
//     compatible sub-schema; a target with no declared properties is
//     open and accepts any object.
func IsCompatible(src, tgt *PortSchema) bool {
	if src == nil || tgt == nil {
		return false
	}
	switch tgt.Kind {
	case KindInt, KindFloat:
		return src.Kind == KindInt || src.Kind == KindFloat
	case KindString, KindBoolean, KindDate:
		return src.Kind == tgt.Kind
	case KindArray:
		if src.Kind != KindArray {
			return false
		}
		return IsCompatible(src.Items, tgt.Items)
	case KindObject:
		if src.Kind != KindObject {
			return false
		}
		if len(tgt.Properties) == 0 {
			return true
		}
		for name, tgtProp := range tgt.Properties {
			srcProp, ok := src.Properties[name]
			if !ok || !IsCompatible(srcProp, tgtProp) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsValidValue reports whether v conforms to the schema. It is total:
// it never panics and never returns an error. A nil value is valid
// exactly when the schema is not required. Objects are closed: keys
// not declared in Properties reject the value. Numbers do not accept
// string encodings.
func IsValidValue(v any, schema *PortSchema) bool {
	if schema == nil {
		return false
	}
	if v == nil {
		return !schema.Required
	}
	switch schema.Kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			// JSON decoding yields float64 for every number; accept
			// only integral values.
			f := v.(float64)
			return f == float64(int64(f))
		case float32:
			f := v.(float32)
			return f == float32(int64(f))
		default:
			return false
		}
	case KindFloat:
		switch v.(type) {
		case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		default:
			return false
		}
	case KindBoolean:
		_, ok := v.(bool)
		return ok
	case KindDate:
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, t)
			return err == nil
		default:
			return false
		}
	case KindArray:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if !IsValidValue(item, schema.Items) {
				return false
			}
		}
		return true
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for key := range m {
			if _, declared := schema.Properties[key]; !declared {
				return false
			}
		}
		for name, prop := range schema.Properties {
			if !IsValidValue(m[name], prop) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SchemaByPath descends OBJECT properties along a dotted path and
// returns the sub-schema at that location. The empty path returns the
// schema itself; a trailing dot is tolerated; an unknown segment or a
// descent through a non-object is an error.
func (s *PortSchema) SchemaByPath(path string) (*PortSchema, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil schema", ErrUnknownSegment)
	}
	path = strings.TrimSuffix(path, ".")
	if path == "" {
		return s, nil
	}
	current := s
	for _, segment := range strings.Split(path, ".") {
		if current.Kind != KindObject {
			return nil, fmt.Errorf("%w: %q is not an object", ErrUnknownSegment, segment)
		}
		next, ok := current.Properties[segment]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSegment, segment)
		}
		current = next
	}
	return current, nil
}

// Clone returns a structurally independent copy of the schema.
func (s *PortSchema) Clone() *PortSchema {
	if s == nil {
		return nil
	}
	out := &PortSchema{
		Kind:         s.Kind,
		Required:     s.Required,
		DefaultValue: s.DefaultValue,
		Items:        s.Items.Clone(),
	}
	if s.Properties != nil {
		out.Properties = make(map[string]*PortSchema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = prop.Clone()
		}
	}
	return out
}
