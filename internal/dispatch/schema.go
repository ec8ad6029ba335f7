package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskhive/internal/fault"
)

// field declares one tool parameter: type, bounds, enum, default. The
// descriptor table below is the single source of truth; the JSON Schema
// document and the default application both derive from it.
type field struct {
	name     string
	typ      string // "string", "integer", "number", "boolean", "string_array", "integer_array", "object"
	required bool
	enum     []string
	minLen   int
	maxLen   int
	min      *float64
	max      *float64
	pattern  string
	def      any
	// timestamp marks string fields that must parse as RFC 3339 with an
	// explicit offset.
	timestamp bool
	// nested describes object-typed fields.
	nested []field
}

func f64(v float64) *float64 { return &v }

func jsonType(typ string) map[string]any {
	switch typ {
	case "string_array":
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case "integer_array":
		return map[string]any{"type": "array", "items": map[string]any{"type": "integer"}}
	default:
		return map[string]any{"type": typ}
	}
}

func (f field) schema() map[string]any {
	prop := jsonType(f.typ)
	if len(f.enum) > 0 {
		vals := make([]any, len(f.enum))
		for i, e := range f.enum {
			vals[i] = e
		}
		prop["enum"] = vals
	}
	if f.minLen > 0 {
		prop["minLength"] = f.minLen
	}
	if f.maxLen > 0 {
		prop["maxLength"] = f.maxLen
	}
	if f.min != nil {
		prop["minimum"] = *f.min
	}
	if f.max != nil {
		prop["maximum"] = *f.max
	}
	if f.pattern != "" {
		prop["pattern"] = f.pattern
	}
	if f.typ == "object" && len(f.nested) > 0 {
		child := schemaDoc(f.nested)
		for k, v := range child {
			prop[k] = v
		}
	}
	return prop
}

// schemaDoc renders a parameter list as a JSON Schema object document.
// Unknown parameters are rejected, not ignored.
func schemaDoc(fields []field) map[string]any {
	properties := make(map[string]any, len(fields))
	var required []any
	for _, f := range fields {
		properties[f.name] = f.schema()
		if f.required {
			required = append(required, f.name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// compileSchema builds the validator for one tool.
func compileSchema(name string, fields []field) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc(fields))
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// applyDefaults fills declared defaults for absent optional parameters.
func applyDefaults(fields []field, params map[string]any) {
	for _, f := range fields {
		if f.def == nil {
			continue
		}
		if _, ok := params[f.name]; !ok {
			params[f.name] = f.def
		}
	}
}

// validateTimestamps enforces the explicit-offset rule that JSON Schema
// cannot express: every timestamp parameter must be RFC 3339 with a Z or
// ±HH:MM zone.
func validateTimestamps(fields []field, params map[string]any) error {
	for _, f := range fields {
		if !f.timestamp {
			continue
		}
		raw, ok := params[f.name].(string)
		if !ok || raw == "" {
			continue
		}
		if _, err := parseTimestamp(raw); err != nil {
			return err
		}
	}
	return nil
}

// parseTimestamp parses an RFC 3339 timestamp. A value without an
// explicit timezone does not parse and is rejected.
func parseTimestamp(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fault.New(fault.KindValidation, "timestamp %q must be RFC 3339 with an explicit timezone (Z or ±HH:MM)", raw)
	}
	return t.UTC(), nil
}
