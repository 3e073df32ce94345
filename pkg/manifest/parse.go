package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pcutils/pcutils/pkg/graph"
	"github.com/pcutils/pcutils/pkg/schemas"
	"github.com/pcutils/pcutils/pkg/values"
)

// Parse decodes and validates a manifest document. The returned manifest
// has no folder or path information.
func Parse(pluginID string, data []byte) (*Manifest, error) {
	fail := func(reason Reason, err error) error {
		return &ManifestError{PluginID: pluginID, Reason: reason, Err: err}
	}

	doc, err := schemas.ParseYAML(data)
	if err != nil {
		return nil, fail(ReasonMalformed, err)
	}
	if err := schemas.Default().Validate(schemas.Manifest, doc); err != nil {
		return nil, fail(ReasonSchema, err)
	}

	rawFields, err := orderedFields(data)
	if err != nil {
		return nil, fail(ReasonMalformed, err)
	}

	m := &Manifest{
		ID:              pluginID,
		Name:            values.String(doc["name"]),
		Icon:            values.String(doc["icon"]),
		Description:     values.String(doc["description"]),
		Multiple:        values.Bool(doc["multiple"]),
		RemoteExecution: values.Bool(doc["remote_execution"]),
		SSHRoot:         values.Bool(doc["ssh_root"]),
		DependsOn:       values.Strings(doc["depends_on"]),
		Fields:          make([]*FieldSchema, 0, len(rawFields)),
	}
	m.DisplayName = values.String(doc["display_name"])
	if m.DisplayName == "" {
		m.DisplayName = values.String(doc["show_name"])
	}
	if m.DisplayName == "" {
		m.DisplayName = m.Name
	}
	if fc, ok := doc["files_content"].(map[string]any); ok {
		m.FilesContent = make(map[string]string, len(fc))
		for k, v := range fc {
			m.FilesContent[k] = values.String(v)
		}
	}

	seen := make(map[string]bool, len(rawFields))
	for _, rf := range rawFields {
		if seen[rf.id] {
			return nil, fail(ReasonSchema, fmt.Errorf("duplicate field id %q", rf.id))
		}
		seen[rf.id] = true

		field, err := parseField(rf.id, rf.raw)
		if err != nil {
			return nil, fail(ReasonSchema, err)
		}
		m.Fields = append(m.Fields, field)
	}

	if m.RemoteExecution {
		addRemoteFields(m)
	}

	if err := checkFieldReferences(m); err != nil {
		return nil, fail(ReasonSchema, err)
	}

	if err := checkEnabledIfCycles(m); err != nil {
		return nil, fail(ReasonCycle, err)
	}
	if err := m.DependencyGraph().DetectCycles(); err != nil {
		return nil, fail(ReasonCycle, err)
	}

	return m, nil
}

// DependencyGraph builds the field dependency graph. An edge from A to B
// means B must be re-evaluated when A changes. References to unknown
// fields are ignored.
func (m *Manifest) DependencyGraph() *graph.Graph {
	g := graph.New()
	for _, f := range m.Fields {
		g.AddNode(f.ID)
	}
	for _, f := range m.Fields {
		for _, ref := range f.References() {
			if g.Has(ref) {
				g.AddEdge(ref, f.ID)
			}
		}
	}
	return g
}

// checkFieldReferences rejects enabled_if and depends_on clauses naming a
// field the manifest does not declare.
func checkFieldReferences(m *Manifest) error {
	known := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		known[f.ID] = true
	}
	for _, f := range m.Fields {
		if f.EnabledIf != nil && !known[f.EnabledIf.Field] {
			return fmt.Errorf("field %q: enabled_if references unknown field %q", f.ID, f.EnabledIf.Field)
		}
		if f.DependsOn != "" && !known[f.DependsOn] {
			return fmt.Errorf("field %q: depends_on references unknown field %q", f.ID, f.DependsOn)
		}
	}
	return nil
}

func checkEnabledIfCycles(m *Manifest) error {
	g := graph.New()
	for _, f := range m.Fields {
		g.AddNode(f.ID)
	}
	for _, f := range m.Fields {
		if f.EnabledIf != nil && f.EnabledIf.Field != "" {
			g.AddEdge(f.EnabledIf.Field, f.ID)
		}
	}
	return g.DetectCycles()
}

type rawField struct {
	id  string
	raw map[string]any
}

// orderedFields extracts config_fields preserving declaration order,
// accepting either a mapping keyed by id or a list of {id, ...}.
func orderedFields(data []byte) ([]rawField, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	top := root.Content[0]

	var fieldsNode *yaml.Node
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "config_fields" {
			fieldsNode = top.Content[i+1]
			break
		}
	}
	if fieldsNode == nil {
		return nil, fmt.Errorf("config_fields is missing")
	}

	decode := func(n *yaml.Node) (map[string]any, error) {
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		m, ok := schemas.Normalize(v).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field declaration must be a mapping (line %d)", n.Line)
		}
		return m, nil
	}

	var out []rawField
	switch fieldsNode.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(fieldsNode.Content); i += 2 {
			raw, err := decode(fieldsNode.Content[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out, rawField{id: fieldsNode.Content[i].Value, raw: raw})
		}
	case yaml.SequenceNode:
		for _, item := range fieldsNode.Content {
			raw, err := decode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rawField{id: values.String(raw["id"]), raw: raw})
		}
	default:
		return nil, fmt.Errorf("config_fields must be a mapping or a list")
	}
	return out, nil
}

func parseField(id string, raw map[string]any) (*FieldSchema, error) {
	f := &FieldSchema{
		ID:          id,
		Type:        FieldType(values.String(raw["type"])),
		Label:       values.String(raw["label"]),
		Description: values.String(raw["description"]),
		Placeholder: values.String(raw["placeholder"]),
		Variable:    values.String(raw["variable"]),
		Required:    values.Bool(raw["required"]),
		NotEmpty:    values.Bool(raw["not_empty"]),
		MinLength:   values.Int(raw["min_length"], 0),
		MaxLength:   values.Int(raw["max_length"], 0),
		NoSpaces:    values.Bool(raw["no_spaces"]) || values.String(raw["validate"]) == "no_spaces",
		MustExist:   values.Bool(raw["exists"]) || values.String(raw["validate"]) == "exists",
		DependsOn:   values.String(raw["depends_on"]),
	}
	if f.Type == "" {
		f.Type = FieldText
	}
	if !f.Type.valid() {
		return nil, fmt.Errorf("field %q: unrecognized type %q", id, f.Type)
	}
	if f.Label == "" {
		f.Label = id
	}
	if def, ok := raw["default"]; ok {
		f.Default = def
		f.HasDefault = true
	}

	if opts, ok := raw["options"]; ok {
		f.Options = parseStaticOptions(opts)
	}

	var err error
	if f.DynamicOptions, err = parseCallback(raw["dynamic_options"]); err != nil {
		return nil, fmt.Errorf("field %q: dynamic_options: %w", id, err)
	}
	if f.DynamicDefault, err = parseCallback(raw["dynamic_default"]); err != nil {
		return nil, fmt.Errorf("field %q: dynamic_default: %w", id, err)
	}

	if vals, ok := raw["values"].(map[string]any); ok {
		f.Values = vals
	}

	if ei, ok := raw["enabled_if"].(map[string]any); ok {
		f.EnabledIf = &EnabledIf{Field: values.String(ei["field"]), Value: ei["value"]}
		if f.EnabledIf.Field == "" {
			return nil, fmt.Errorf("field %q: enabled_if without field", id)
		}
	}

	return f, nil
}

func parseStaticOptions(v any) []Option {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Option, 0, len(list))
	for _, item := range list {
		switch o := item.(type) {
		case map[string]any:
			label := values.String(o["label"])
			value := values.String(o["value"])
			if label == "" {
				label = value
			}
			if value == "" {
				value = label
			}
			out = append(out, Option{Label: label, Value: value})
		case []any:
			if len(o) >= 2 {
				out = append(out, Option{Label: values.String(o[0]), Value: values.String(o[1])})
			}
		default:
			s := values.String(o)
			out = append(out, Option{Label: s, Value: s})
		}
	}
	return out
}

func parseCallback(v any) (*Callback, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a mapping")
	}
	cb := &Callback{
		Script:   values.String(raw["script"]),
		Function: values.String(raw["function"]),
		Global:   values.Bool(raw["global"]),
		Path:     values.String(raw["path"]),
		LabelKey: values.String(raw["label_key"]),
		ValueKey: values.String(raw["value_key"]),
	}
	if cb.Script == "" {
		return nil, fmt.Errorf("script is required")
	}
	if args, ok := raw["args"].([]any); ok {
		for i, a := range args {
			am, ok := a.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("args[%d] must be a mapping", i)
			}
			arg := CallbackArg{
				Field:     values.String(am["field"]),
				Value:     am["value"],
				ParamName: values.String(am["param_name"]),
			}
			if arg.Field == "" {
				if _, has := am["value"]; !has {
					return nil, fmt.Errorf("args[%d] needs field or value", i)
				}
			}
			cb.Args = append(cb.Args, arg)
		}
	}
	return cb, nil
}
