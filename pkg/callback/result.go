package callback

import (
	"fmt"
	"sort"

	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/values"
)

// Form identifies which result convention a callback used.
type Form int

const (
	// FormPair is an (ok, data) pair.
	FormPair Form = iota
	// FormDict is a mapping.
	FormDict
	// FormOther is any other value.
	FormOther
)

// Outcome is an interpreted callback result.
type Outcome struct {
	Form Form
	OK   bool
	Data any
}

// Interpret applies the result conventions, in order: an (ok, data) pair,
// a dict, anything else.
func Interpret(raw any) Outcome {
	if pair, ok := raw.([]any); ok && len(pair) == 2 {
		if flag, isBool := pair[0].(bool); isBool {
			return Outcome{Form: FormPair, OK: flag, Data: pair[1]}
		}
	}
	if m, ok := raw.(map[string]any); ok {
		return Outcome{Form: FormDict, OK: true, Data: m}
	}
	return Outcome{Form: FormOther, OK: raw != nil, Data: raw}
}

// DefaultValue extracts a field default from a callback result. The
// second result is false when the callback failed or produced nothing
// usable, in which case the caller falls back to the static default.
// A dict yields its value_key entry, then the first of the option value
// fallback keys that is set.
func DefaultValue(raw any, cb *manifest.Callback) (any, bool) {
	out := Interpret(raw)
	switch out.Form {
	case FormPair:
		if !out.OK {
			return nil, false
		}
		if m, isMap := out.Data.(map[string]any); isMap {
			return dictValue(m, cb.ValueKey)
		}
		return out.Data, out.Data != nil
	case FormDict:
		return dictValue(out.Data.(map[string]any), cb.ValueKey)
	default:
		if out.Data == nil {
			return nil, false
		}
		return values.String(out.Data), true
	}
}

// OptionsFromResult extracts an option list from a callback result.
// A failed (false, ...) pair is an error; an empty list is not.
func OptionsFromResult(raw any, cb *manifest.Callback) ([]manifest.Option, error) {
	out := Interpret(raw)
	if out.Form == FormPair && !out.OK {
		return nil, fmt.Errorf("callback reported failure: %v", out.Data)
	}
	switch data := out.Data.(type) {
	case []any, map[string]any, nil:
		return NormalizeOptions(data, cb.LabelKey, cb.ValueKey), nil
	default:
		return nil, fmt.Errorf("cannot build options from %T", data)
	}
}

var (
	labelFallbacks = []string{"label", "name", "username", "device", "path", "id"}
	valueFallbacks = []string{"id", "value", "username", "device", "name", "path"}
)

// NormalizeOptions converts a list of pairs, a list of dicts, scalars or
// a dict into (label, value) options. labelKey defaults to
// "description" and valueKey to "value". Colliding values are made
// unique by appending _1, _2, ...
func NormalizeOptions(data any, labelKey, valueKey string) []manifest.Option {
	if labelKey == "" {
		labelKey = "description"
	}
	if valueKey == "" {
		valueKey = "value"
	}

	var raw []manifest.Option
	switch d := data.(type) {
	case []any:
		for _, item := range d {
			raw = append(raw, optionFromItem(item, labelKey, valueKey))
		}
	case map[string]any:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if nested, ok := d[k].(map[string]any); ok {
				raw = append(raw, optionFromItem(nested, labelKey, valueKey))
				continue
			}
			raw = append(raw, manifest.Option{Label: k, Value: values.String(d[k])})
		}
	}

	return uniqueValues(raw)
}

func optionFromItem(item any, labelKey, valueKey string) manifest.Option {
	switch it := item.(type) {
	case []any:
		switch len(it) {
		case 0:
			return manifest.Option{}
		case 1:
			s := values.String(it[0])
			return manifest.Option{Label: s, Value: s}
		default:
			return manifest.Option{Label: values.String(it[0]), Value: values.String(it[1])}
		}
	case map[string]any:
		label := pick(it, labelKey, labelFallbacks)
		value := pick(it, valueKey, valueFallbacks)
		if value == "" {
			value = label
		}
		if label == "" {
			label = value
		}
		return manifest.Option{Label: label, Value: value}
	default:
		s := values.String(it)
		return manifest.Option{Label: s, Value: s}
	}
}

func dictValue(m map[string]any, key string) (any, bool) {
	if key == "" {
		key = "value"
	}
	if v, ok := m[key]; ok && v != nil {
		return v, true
	}
	for _, k := range valueFallbacks {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func pick(m map[string]any, key string, fallbacks []string) string {
	if v, ok := m[key]; ok && v != nil {
		return values.String(v)
	}
	for _, k := range fallbacks {
		if v, ok := m[k]; ok && v != nil {
			return values.String(v)
		}
	}
	return ""
}

func uniqueValues(opts []manifest.Option) []manifest.Option {
	seen := make(map[string]bool, len(opts))
	out := make([]manifest.Option, 0, len(opts))
	for _, o := range opts {
		value := o.Value
		if seen[value] {
			for i := 1; ; i++ {
				candidate := fmt.Sprintf("%s_%d", o.Value, i)
				if !seen[candidate] {
					value = candidate
					break
				}
			}
		}
		seen[value] = true
		out = append(out, manifest.Option{Label: o.Label, Value: value})
	}
	return out
}
