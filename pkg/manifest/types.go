// Package manifest loads and validates plugin manifests
// (plugins/{plugin_id}/settings.yml) into an ordered field schema.
package manifest

import (
	"time"

	"github.com/pcutils/pcutils/pkg/values"
)

// FieldType is the variant tag of a field schema.
type FieldType string

const (
	FieldText          FieldType = "text"
	FieldIP            FieldType = "ip"
	FieldPassword      FieldType = "password"
	FieldDirectory     FieldType = "directory"
	FieldCheckbox      FieldType = "checkbox"
	FieldSelect        FieldType = "select"
	FieldCheckboxGroup FieldType = "checkbox_group"
)

// IsString reports whether values of this type are strings.
func (t FieldType) IsString() bool {
	switch t {
	case FieldText, FieldIP, FieldPassword, FieldDirectory:
		return true
	}
	return false
}

// HasOptions reports whether the type carries an option list.
func (t FieldType) HasOptions() bool {
	return t == FieldSelect || t == FieldCheckboxGroup
}

func (t FieldType) valid() bool {
	switch t {
	case FieldText, FieldIP, FieldPassword, FieldDirectory, FieldCheckbox, FieldSelect, FieldCheckboxGroup:
		return true
	}
	return false
}

// HasOptionsSentinel is the enabled_if value meaning "enabled iff the
// referenced field currently has at least one option".
const HasOptionsSentinel = "has_options"

// Option is one (label, value) choice of a select or checkbox group.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// CallbackArg binds one argument of a dynamic callback, either to the
// current value of another field or to a literal.
type CallbackArg struct {
	Field     string `json:"field,omitempty"`
	Value     any    `json:"value,omitempty"`
	ParamName string `json:"param_name,omitempty"`
}

// Callback describes a dynamic default or dynamic options script.
type Callback struct {
	Script   string        `json:"script"`
	Function string        `json:"function,omitempty"`
	Global   bool          `json:"global,omitempty"`
	Path     string        `json:"path,omitempty"`
	Args     []CallbackArg `json:"args,omitempty"`
	LabelKey string        `json:"label_key,omitempty"`
	ValueKey string        `json:"value_key,omitempty"`
}

// FieldRefs returns the ids of fields the callback reads.
func (c *Callback) FieldRefs() []string {
	if c == nil {
		return nil
	}
	var refs []string
	for _, a := range c.Args {
		if a.Field != "" {
			refs = append(refs, a.Field)
		}
	}
	return refs
}

// EnabledIf makes a field enabled iff another field's value equals Value.
type EnabledIf struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Matches reports whether v satisfies the condition.
func (e *EnabledIf) Matches(v any) bool {
	return values.Equal(v, e.Value)
}

// RequiresOptions reports whether the condition is the has_options sentinel.
func (e *EnabledIf) RequiresOptions() bool {
	s, ok := e.Value.(string)
	return ok && s == HasOptionsSentinel
}

// FieldSchema is the declaration of one configuration field.
type FieldSchema struct {
	ID          string    `json:"id"`
	Type        FieldType `json:"type"`
	Label       string    `json:"label,omitempty"`
	Description string    `json:"description,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`

	// Variable is the exported name in the effective config.
	Variable string `json:"variable,omitempty"`

	Default    any  `json:"default,omitempty"`
	HasDefault bool `json:"-"`

	Required  bool `json:"required,omitempty"`
	NotEmpty  bool `json:"not_empty,omitempty"`
	MinLength int  `json:"min_length,omitempty"`
	MaxLength int  `json:"max_length,omitempty"`
	NoSpaces  bool `json:"no_spaces,omitempty"`
	MustExist bool `json:"exists,omitempty"`

	Options        []Option  `json:"options,omitempty"`
	DynamicOptions *Callback `json:"dynamic_options,omitempty"`
	DynamicDefault *Callback `json:"dynamic_default,omitempty"`

	DependsOn string         `json:"depends_on,omitempty"`
	Values    map[string]any `json:"values,omitempty"`

	EnabledIf *EnabledIf `json:"enabled_if,omitempty"`

	// Synthetic is set for fields the loader adds on behalf of the plugin.
	Synthetic bool `json:"-"`
}

// VariableName returns the name under which the field is exported.
func (f *FieldSchema) VariableName() string {
	if f.Variable != "" {
		return f.Variable
	}
	return f.ID
}

// ZeroValue returns the type-appropriate empty value.
func (f *FieldSchema) ZeroValue() any {
	switch f.Type {
	case FieldCheckbox:
		return false
	case FieldCheckboxGroup:
		return []string{}
	}
	return ""
}

// References returns every field id this field depends on, in any role.
func (f *FieldSchema) References() []string {
	var refs []string
	if f.DependsOn != "" {
		refs = append(refs, f.DependsOn)
	}
	if f.EnabledIf != nil && f.EnabledIf.Field != "" {
		refs = append(refs, f.EnabledIf.Field)
	}
	refs = append(refs, f.DynamicOptions.FieldRefs()...)
	refs = append(refs, f.DynamicDefault.FieldRefs()...)
	return refs
}

// Manifest is a loaded plugin manifest.
type Manifest struct {
	// ID is the plugin id as selected by the user.
	ID string `json:"id"`
	// Folder is the resolved plugin folder name under the plugins directory.
	Folder string `json:"folder"`
	// Dir is the plugin folder path.
	Dir string `json:"dir"`
	// Path is the settings.yml path.
	Path string `json:"path"`

	Name            string            `json:"name"`
	DisplayName     string            `json:"display_name"`
	Icon            string            `json:"icon,omitempty"`
	Description     string            `json:"description,omitempty"`
	Multiple        bool              `json:"multiple,omitempty"`
	RemoteExecution bool              `json:"remote_execution,omitempty"`
	SSHRoot         bool              `json:"ssh_root,omitempty"`
	FilesContent    map[string]string `json:"files_content,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`

	Fields []*FieldSchema `json:"fields"`

	ModTime time.Time `json:"mod_time"`
}

// Field returns the field schema with the given id.
func (m *Manifest) Field(id string) (*FieldSchema, bool) {
	for _, f := range m.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// FieldIDs returns field ids in declaration order.
func (m *Manifest) FieldIDs() []string {
	ids := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		ids = append(ids, f.ID)
	}
	return ids
}

// Defaults returns the static defaults keyed by variable name. Fields
// without a static default get their zero value.
func (m *Manifest) Defaults() map[string]any {
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		if f.HasDefault {
			out[f.VariableName()] = f.Default
		} else {
			out[f.VariableName()] = f.ZeroValue()
		}
	}
	return out
}
