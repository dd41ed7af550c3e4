package reflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatInstruction renders a compact response-format instruction for
// an output port schema, suitable for appending to an LLM prompt.
// Primitives ask for a bare value; objects and arrays ask for a JSON
// shape built from property names only, with no schema metadata.
func FormatInstruction(schema *PortSchema) string {
	if schema == nil {
		return ""
	}
	switch schema.Kind {
	case KindObject, KindArray:
		return fmt.Sprintf("Respond with JSON only, exactly matching this shape, no prose:\n%s", shapeOf(schema))
	case KindInt:
		return "Respond with a single integer and nothing else."
	case KindFloat:
		return "Respond with a single number and nothing else."
	case KindBoolean:
		return "Respond with true or false and nothing else."
	case KindDate:
		return "Respond with a single RFC 3339 timestamp and nothing else."
	default:
		return "Respond with the answer as plain text."
	}
}

// shapeOf renders the JSON shape of a schema: property names with
// value placeholders, recursively.
func shapeOf(schema *PortSchema) string {
	switch schema.Kind {
	case KindObject:
		names := make([]string, 0, len(schema.Properties))
		for name := range schema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		fields := make([]string, 0, len(names))
		for _, name := range names {
			fields = append(fields, fmt.Sprintf("%q: %s", name, shapeOf(schema.Properties[name])))
		}
		return "{" + strings.Join(fields, ", ") + "}"
	case KindArray:
		return "[" + shapeOf(schema.Items) + ", ...]"
	case KindString:
		return "<string>"
	case KindInt:
		return "<integer>"
	case KindFloat:
		return "<number>"
	case KindBoolean:
		return "<true|false>"
	case KindDate:
		return "<rfc3339 timestamp>"
	default:
		return "<value>"
	}
}

// ExtractJSON returns the first well-formed JSON object or array
// embedded in text. LLMs frequently wrap JSON in prose or fences;
// this scans for balanced delimiters and verifies with json.Valid.
func ExtractJSON(text string) (string, bool) {
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(text); j++ {
			ch := text[j]
			if escaped {
				escaped = false
				continue
			}
			switch {
			case ch == '\\' && inString:
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == open:
				depth++
			case ch == closer:
				depth--
				if depth == 0 {
					candidate := text[i : j+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					j = len(text)
				}
			}
		}
	}
	return "", false
}

// ParseStructured parses a raw LLM response into a value conforming
// to the output schema. Primitive schemas parse the trimmed text
// directly; object and array schemas extract and decode embedded
// JSON. The parsed value is validated against the schema; a mismatch
// returns an LLM_STRUCTURED_OUTPUT_PARSE error.
func ParseStructured(text string, schema *PortSchema) (any, error) {
	if schema == nil {
		return strings.TrimSpace(text), nil
	}
	var value any
	trimmed := strings.TrimSpace(text)
	switch schema.Kind {
	case KindString:
		value = trimmed
	case KindInt:
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, WrapError(CodeStructuredOutputParse, err, "response is not an integer")
		}
		value = int(n)
	case KindFloat:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, WrapError(CodeStructuredOutputParse, err, "response is not a number")
		}
		value = f
	case KindBoolean:
		b, err := strconv.ParseBool(strings.ToLower(trimmed))
		if err != nil {
			return nil, WrapError(CodeStructuredOutputParse, err, "response is not a boolean")
		}
		value = b
	case KindDate:
		value = trimmed
	case KindObject, KindArray:
		raw, ok := ExtractJSON(text)
		if !ok {
			return nil, Errorf(CodeStructuredOutputParse, "no JSON value found in response")
		}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, WrapError(CodeStructuredOutputParse, err, "decoding response JSON")
		}
	default:
		return nil, Errorf(CodeStructuredOutputParse, "unsupported output schema kind %q", schema.Kind)
	}
	if !IsValidValue(value, schema) {
		return nil, Errorf(CodeStructuredOutputParse, "response does not match the %s output schema", schema.Kind)
	}
	return value, nil
}

// CritiqueMessage builds the retry message appended after a parse
// failure, quoting the expected shape.
func CritiqueMessage(schema *PortSchema, parseErr error) string {
	return fmt.Sprintf(
		"Your previous response could not be parsed (%v). %s",
		parseErr, FormatInstruction(schema),
	)
}
