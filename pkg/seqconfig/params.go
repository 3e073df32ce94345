package seqconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pcutils/pcutils/pkg/schemas"
	"github.com/pcutils/pcutils/pkg/sequence"
)

// ParamsFile is a --config document: either flat parameters for a single
// plugin or a sequence-shaped document.
type ParamsFile struct {
	Params   map[string]any
	Sequence *sequence.Sequence
}

// LoadParamsFile reads a --config document. A document with a "plugins"
// list is read as an ad-hoc sequence.
func LoadParamsFile(path string) (*ParamsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters file: %w", err)
	}
	doc, err := schemas.ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parameters file %s: %w", path, err)
	}

	if _, ok := doc["plugins"].([]any); ok {
		if _, named := doc["name"]; !named {
			doc["name"] = path
			if data, err = yaml.Marshal(doc); err != nil {
				return nil, fmt.Errorf("parameters file %s: %w", path, err)
			}
		}
		seq, err := sequence.Parse(data)
		if err != nil {
			return nil, err
		}
		seq.Path = path
		return &ParamsFile{Sequence: seq}, nil
	}

	if nested, ok := doc[KeyConfig].(map[string]any); ok && len(doc) == 1 {
		doc = nested
	}
	return &ParamsFile{Params: doc}, nil
}

// ParseParamArgs parses k=v pairs. Values are read as YAML scalars so
// "true", "3" and "[a, b]" keep their types; anything unparsable stays a
// string.
func ParseParamArgs(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", arg)
		}
		out[k] = scalar(v)
	}
	return out, nil
}

func scalar(s string) any {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch t := v.(type) {
	case nil:
		return s
	case map[string]any:
		return s
	case []any:
		return t
	}
	return v
}
