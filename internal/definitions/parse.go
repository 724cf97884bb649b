package definitions

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowhub/pkg/schema"
)

// Format is the encoding of a workflow definition document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the document format from a content type or file name,
// falling back to sniffing the first non-space byte.
func DetectFormat(hint string, data []byte) Format {
	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "json"):
		return FormatJSON
	case strings.Contains(h, "yaml"), strings.HasSuffix(h, ".yml"):
		return FormatYAML
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a YAML or JSON workflow definition. Unknown fields are rejected.
func Parse(data []byte, hint string) (*schema.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewDefinitionError(schema.DefinitionInvalid, "/", "empty workflow definition")
	}

	var def schema.WorkflowDefinition
	switch DetectFormat(hint, data) {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewDefinitionError(schema.DefinitionInvalid, "/", "invalid JSON definition: "+err.Error())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
			return nil, schema.NewDefinitionError(schema.DefinitionInvalid, "/", "invalid YAML definition: "+err.Error())
		}
		def.Steps = normalizeYAMLInputs(def.Steps)
	}
	return &def, nil
}

// normalizeYAMLInputs converts YAML integers to float64 to match JSON decoding.
func normalizeYAMLInputs(steps []schema.StepDefinition) []schema.StepDefinition {
	for i := range steps {
		if steps[i].Input == nil {
			continue
		}
		steps[i].Input, _ = toJSONCompatible(steps[i].Input).(map[string]any)
	}
	return steps
}

func toJSONCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONCompatible(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				out[ks] = toJSONCompatible(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONCompatible(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return v
	}
}
