// Package fields holds the typed configuration fields of one plugin
// instance and propagates changes along their dependencies.
package fields

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/pcutils/pcutils/pkg/callback"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/values"
)

// Placeholder option of a select whose dynamic options came back empty.
const (
	noOptionsLabel = "No options"
	noOptionsValue = "no_options"
)

// Field is the runtime state of one field schema.
type Field struct {
	schema    *manifest.FieldSchema
	container *Container

	value   any
	enabled bool
	options []manifest.Option
	// noOptions is set when a select shows the placeholder option.
	noOptions bool
	// optionsFailed is set when the last dynamic options call errored.
	optionsFailed bool

	saved    any
	hasSaved bool

	userEdited bool
	removed    bool
}

// ID returns the field id.
func (f *Field) ID() string { return f.schema.ID }

// Schema returns the field declaration.
func (f *Field) Schema() *manifest.FieldSchema { return f.schema }

// Enabled reports whether the field is currently enabled.
func (f *Field) Enabled() bool { return f.enabled && !f.removed }

// Removed reports whether the field was detached from its container.
func (f *Field) Removed() bool { return f.removed }

// Options returns the current options of a select or checkbox group.
func (f *Field) Options() []manifest.Option {
	return slices.Clone(f.options)
}

// HasOptions reports whether at least one real option is available.
func (f *Field) HasOptions() bool {
	return len(f.options) > 0 && !f.noOptions
}

// Value returns the current typed value: a bool for checkboxes, the
// selected values for checkbox groups and a string otherwise. A select
// showing the "no options" placeholder yields "".
func (f *Field) Value() any {
	switch f.schema.Type {
	case manifest.FieldSelect:
		if f.noOptions {
			return ""
		}
	case manifest.FieldCheckboxGroup:
		return slices.Clone(values.Strings(f.value))
	}
	return f.value
}

// SetValue stores v, notifies the sink and, when propagate is set, asks
// the container to re-evaluate dependent fields. Storing an equal value
// is a no-op.
func (f *Field) SetValue(ctx context.Context, v any, propagate bool) {
	v = coerce(f.schema, v)
	if f.removed || sameValue(f.value, v) {
		return
	}
	f.value = v
	if !f.enabled {
		f.saved, f.hasSaved = v, true
	}
	f.container.sink.ValueChanged(f.ID(), f.Value())
	if propagate {
		f.container.UpdateDependents(ctx, f.ID())
	}
}

// Validate checks v against the field constraints. Disabled fields are
// always valid.
func (f *Field) Validate(v any) (bool, string) {
	if !f.Enabled() {
		return true, ""
	}
	if ok, msg := ValidateValue(f.schema, v); !ok {
		return ok, msg
	}
	if f.schema.Type == manifest.FieldSelect && f.schema.DynamicOptions == nil && len(f.options) > 0 {
		s := values.String(v)
		if s != "" && !f.hasOption(s) {
			return false, MsgInvalidOption
		}
	}
	return true, ""
}

// ResolveDefault computes the default value. Precedence: the depends_on
// values map keyed by the referenced field's value, the dynamic default
// callback, the static default, the type's zero value.
func (f *Field) ResolveDefault(ctx context.Context) any {
	s := f.schema
	c := f.container

	if s.DependsOn != "" && len(s.Values) > 0 {
		if dep, ok := c.fields[s.DependsOn]; ok && !dep.removed {
			if v, ok := lookupMapped(s.Values, dep.Value()); ok {
				return coerce(s, v)
			}
		}
	}

	if s.DynamicDefault != nil && c.invoker != nil {
		raw, err := c.invoker.Invoke(ctx, c.manifest.Folder, s.DynamicDefault, c.lookup)
		if err != nil {
			log.Warn().Err(err).
				Str("plugin", c.manifest.ID).
				Str("field", s.ID).
				Msg("dynamic default failed, using static default")
		} else if v, ok := callback.DefaultValue(raw, s.DynamicDefault); ok {
			return coerce(s, v)
		}
	}

	if s.HasDefault {
		return coerce(s, s.Default)
	}
	return s.ZeroValue()
}

// refreshOptions recomputes dynamic options. It reports whether the
// option list changed.
func (f *Field) refreshOptions(ctx context.Context) bool {
	s := f.schema
	c := f.container
	if s.DynamicOptions == nil || c.invoker == nil {
		return false
	}

	var opts []manifest.Option
	failed := false
	raw, err := c.invoker.Invoke(ctx, c.manifest.Folder, s.DynamicOptions, c.lookup)
	if err == nil {
		opts, err = callback.OptionsFromResult(raw, s.DynamicOptions)
	}
	if err != nil {
		log.Warn().Err(err).
			Str("plugin", c.manifest.ID).
			Str("field", s.ID).
			Msg("dynamic options failed")
		opts, failed = nil, true
	}

	return f.setOptions(opts, failed)
}

func (f *Field) setOptions(opts []manifest.Option, failed bool) bool {
	noOptions := false
	if len(opts) == 0 && f.schema.Type == manifest.FieldSelect {
		opts = []manifest.Option{{Label: noOptionsLabel, Value: noOptionsValue}}
		noOptions = true
	}
	changed := !slices.Equal(f.options, opts) || f.noOptions != noOptions
	f.options = opts
	f.noOptions = noOptions
	f.optionsFailed = failed
	if changed {
		f.container.sink.OptionsChanged(f.ID(), f.Options())
	}
	return changed
}

// fitValueToOptions keeps the value inside the option list: a select
// falls back to its default or the first option, a checkbox group drops
// values that disappeared.
func (f *Field) fitValueToOptions(preferred any) any {
	switch f.schema.Type {
	case manifest.FieldSelect:
		if f.noOptions {
			return noOptionsValue
		}
		if len(f.options) == 0 {
			return values.String(preferred)
		}
		if s := values.String(preferred); f.hasOption(s) {
			return s
		}
		if f.schema.HasDefault {
			if s := values.String(f.schema.Default); f.hasOption(s) {
				return s
			}
		}
		return f.options[0].Value
	case manifest.FieldCheckboxGroup:
		if len(f.options) == 0 {
			return values.Strings(preferred)
		}
		kept := []string{}
		for _, s := range values.Strings(preferred) {
			if f.hasOption(s) {
				kept = append(kept, s)
			}
		}
		return kept
	}
	return preferred
}

func (f *Field) hasOption(v string) bool {
	for _, o := range f.options {
		if o.Value == v {
			return true
		}
	}
	return false
}

// lookupMapped finds key in a depends_on values map, comparing keys with
// the lax equality used for enabled_if.
func lookupMapped(m map[string]any, key any) (any, bool) {
	if v, ok := m[values.String(key)]; ok {
		return v, true
	}
	for k, v := range m {
		if values.Equal(k, key) {
			return v, true
		}
	}
	return nil, false
}

func coerce(s *manifest.FieldSchema, v any) any {
	switch s.Type {
	case manifest.FieldCheckbox:
		return values.Bool(v)
	case manifest.FieldCheckboxGroup:
		out := values.Strings(v)
		if out == nil {
			out = []string{}
		}
		return out
	}
	return values.String(v)
}

func sameValue(a, b any) bool {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if aok || bok {
		return aok && bok && slices.Equal(as, bs)
	}
	return a == b
}
