package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateInput validates input against the tool's declared JSON Schema. A
// nil or empty schema accepts any input. The returned error message names the
// violated constraints so it can be surfaced to the model verbatim.
func ValidateInput(schema map[string]any, input map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("invalid tool input schema: %w", err)
	}
	// Round-trip through JSON so the instance uses the plain types the
	// validator expects regardless of how the input map was built.
	doc, err := normalize(input)
	if err != nil {
		return fmt.Errorf("normalize tool input: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("tool input does not match schema: %w", err)
	}
	return nil
}

// RequiredKeys returns the sorted top-level required property names declared
// by the schema. The runtime includes them in recovery nudges after repeated
// invalid-argument failures.
func RequiredKeys(schema map[string]any) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			out := append([]string(nil), strs...)
			sort.Strings(out)
			return out
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalize(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
