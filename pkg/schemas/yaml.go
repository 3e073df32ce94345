package schemas

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML reads a YAML document whose root must be a mapping.
func LoadYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML decodes a YAML document whose root must be a mapping.
func ParseYAML(data []byte) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed YAML: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("document is empty")
	}
	doc, ok := Normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document root must be a mapping, got %T", raw)
	}
	return doc, nil
}

// Normalize converts maps with non-string keys into map[string]any,
// recursively, so that documents can be handled uniformly.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	default:
		return v
	}
}
