package fields

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pcutils/pcutils/pkg/graph"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/values"
)

// Invoker runs dynamic callbacks. *callback.Dispatcher implements it.
type Invoker interface {
	Invoke(ctx context.Context, pluginFolder string, cb *manifest.Callback, lookup func(fieldID string) any) (any, error)
}

// Options configures a Container.
type Options struct {
	// Invoker runs dynamic defaults and options. When nil, dynamic
	// callbacks are skipped and static values are used.
	Invoker Invoker
	// Sink receives presentation updates. Defaults to NopSink.
	Sink Sink
}

// Container owns the fields of one plugin instance. It is not safe for
// concurrent use: fields are edited from a single task and only the
// collected config is handed to executors.
type Container struct {
	manifest *manifest.Manifest
	order    []string
	fields   map[string]*Field
	graph    *graph.Graph
	invoker  Invoker
	sink     Sink

	busy  bool
	queue []string
}

// ValidationErrors maps field ids to validation messages.
type ValidationErrors map[string]string

func (e ValidationErrors) Error() string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %s", id, e[id]))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// New builds the fields of m and resolves their initial state in
// dependency order: options, default value, enablement.
func New(ctx context.Context, m *manifest.Manifest, opts Options) (*Container, error) {
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	c := &Container{
		manifest: m,
		fields:   make(map[string]*Field, len(m.Fields)),
		graph:    m.DependencyGraph(),
		invoker:  opts.Invoker,
		sink:     opts.Sink,
	}
	for _, s := range m.Fields {
		c.order = append(c.order, s.ID)
		c.fields[s.ID] = &Field{schema: s, container: c, enabled: true}
	}

	topo, err := c.graph.TopologicalOrder()
	if err != nil {
		return nil, &manifest.ManifestError{PluginID: m.ID, Path: m.Path, Reason: manifest.ReasonCycle, Err: err}
	}

	// Initialization runs under the guard so stores do not cascade.
	c.busy = true
	for _, id := range topo {
		f := c.fields[id]
		if f == nil || f.removed {
			continue
		}
		c.initField(ctx, f)
	}
	c.busy = false
	c.queue = nil

	return c, nil
}

func (c *Container) initField(ctx context.Context, f *Field) {
	s := f.schema
	if s.Type.HasOptions() {
		if s.DynamicOptions != nil && c.invoker != nil {
			f.refreshOptions(ctx)
			if s.Type == manifest.FieldCheckboxGroup && len(f.options) == 0 && !f.optionsFailed {
				c.Remove(ctx, f.ID())
				return
			}
		} else {
			f.setOptions(slices.Clone(s.Options), false)
		}
	}

	f.value = f.fitValueToOptions(f.ResolveDefault(ctx))

	if !c.evalEnabled(f) {
		f.enabled = false
		f.saved, f.hasSaved = f.value, true
		c.sink.EnabledChanged(f.ID(), false)
	}
	c.sink.ValueChanged(f.ID(), f.Value())
}

// Manifest returns the manifest the container was built from.
func (c *Container) Manifest() *manifest.Manifest { return c.manifest }

// Fields returns the live fields in declaration order.
func (c *Container) Fields() []*Field {
	out := make([]*Field, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.fields[id])
	}
	return out
}

// FieldsByID returns the live fields keyed by id.
func (c *Container) FieldsByID() map[string]*Field {
	out := make(map[string]*Field, len(c.order))
	for _, id := range c.order {
		out[id] = c.fields[id]
	}
	return out
}

// Field returns the live field with the given id.
func (c *Container) Field(id string) (*Field, bool) {
	f, ok := c.fields[id]
	if !ok || f.removed {
		return nil, false
	}
	return f, true
}

// Value returns the current value of a field, or nil if it does not exist.
func (c *Container) Value(id string) any {
	if f, ok := c.Field(id); ok {
		return f.Value()
	}
	return nil
}

// SetValue records a user edit of a field and propagates it.
func (c *Container) SetValue(ctx context.Context, id string, v any) error {
	f, ok := c.Field(id)
	if !ok {
		return fmt.Errorf("unknown field %q", id)
	}
	f.userEdited = true
	f.SetValue(ctx, v, true)
	return nil
}

// Apply sets values keyed by variable name or field id, in dependency
// order, as user edits. Keys matching no field are returned.
func (c *Container) Apply(ctx context.Context, vals map[string]any) map[string]any {
	byKey := make(map[string]string, len(c.order)*2)
	for _, id := range c.order {
		byKey[id] = id
	}
	for _, id := range c.order {
		byKey[c.fields[id].schema.VariableName()] = id
	}

	pending := make(map[string]any)
	extras := make(map[string]any)
	for k, v := range vals {
		if id, ok := byKey[k]; ok {
			pending[id] = v
		} else {
			extras[k] = v
		}
	}

	topo, err := c.graph.TopologicalOrder()
	if err != nil {
		topo = c.order
	}
	for _, id := range topo {
		v, ok := pending[id]
		if !ok {
			continue
		}
		if err := c.SetValue(ctx, id, v); err != nil {
			log.Debug().Err(err).Str("plugin", c.manifest.ID).Msg("value not applied")
		}
	}
	return extras
}

// UpdateDependents re-evaluates every field depending on id, in
// topological order. Calls made while an update is running are queued
// and processed once it finishes.
func (c *Container) UpdateDependents(ctx context.Context, id string) {
	if c.busy {
		if !slices.Contains(c.queue, id) {
			c.queue = append(c.queue, id)
		}
		return
	}

	c.busy = true
	defer func() { c.busy = false }()

	c.propagate(ctx, id)
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.propagate(ctx, next)
	}
}

func (c *Container) propagate(ctx context.Context, id string) {
	if !c.graph.Has(id) {
		return
	}
	downstream, err := c.graph.Downstream(id)
	if err != nil {
		log.Error().Err(err).Str("plugin", c.manifest.ID).Str("field", id).Msg("dependency propagation aborted")
		return
	}

	dirty := map[string]bool{id: true}
	for _, depID := range downstream {
		d, ok := c.fields[depID]
		if !ok || d.removed {
			continue
		}
		if c.reevaluate(ctx, d, dirty) {
			dirty[depID] = true
		}
	}
}

// reevaluate applies, in order, enablement, options and value
// re-resolution to d. It reports whether anything observable changed.
func (c *Container) reevaluate(ctx context.Context, d *Field, dirty map[string]bool) bool {
	s := d.schema
	changed := false

	if s.EnabledIf != nil && dirty[s.EnabledIf.Field] {
		changed = c.applyEnabled(d) || changed
	}

	dependsDirty := s.DependsOn != "" && dirty[s.DependsOn]

	if s.DynamicOptions != nil && (dependsDirty || anyDirty(s.DynamicOptions.FieldRefs(), dirty)) {
		if d.refreshOptions(ctx) {
			changed = true
			if s.Type == manifest.FieldCheckboxGroup && len(d.options) == 0 && !d.optionsFailed {
				c.Remove(ctx, d.ID())
				return true
			}
		}
		changed = c.store(d, d.fitValueToOptions(d.value)) || changed
	}

	if dependsDirty || (s.DynamicDefault != nil && anyDirty(s.DynamicDefault.FieldRefs(), dirty)) {
		if d.userEdited {
			d.userEdited = false
		} else {
			changed = c.store(d, d.fitValueToOptions(d.ResolveDefault(ctx))) || changed
		}
	}

	return changed
}

// store replaces a value without propagating. A disabled field keeps the
// new value in its stash.
func (c *Container) store(f *Field, v any) bool {
	v = coerce(f.schema, v)
	if f.schema.Type == manifest.FieldSelect && f.noOptions {
		v = noOptionsValue
	}
	if sameValue(f.value, v) {
		return false
	}
	f.value = v
	if !f.enabled {
		f.saved, f.hasSaved = v, true
	}
	c.sink.ValueChanged(f.ID(), f.Value())
	return true
}

func (c *Container) evalEnabled(f *Field) bool {
	cond := f.schema.EnabledIf
	if cond == nil || cond.Field == "" {
		return true
	}
	ref, ok := c.fields[cond.Field]
	if !ok || ref.removed || !ref.enabled {
		return false
	}
	if cond.RequiresOptions() {
		return ref.HasOptions()
	}
	return cond.Matches(ref.Value())
}

// applyEnabled stashes the value of a field being disabled and restores
// it when the field is enabled again.
func (c *Container) applyEnabled(f *Field) bool {
	want := c.evalEnabled(f)
	if want == f.enabled {
		return false
	}
	if !want {
		f.saved, f.hasSaved = f.value, true
	} else if f.hasSaved {
		f.value = f.saved
		f.saved, f.hasSaved = nil, false
		c.sink.ValueChanged(f.ID(), f.Value())
	}
	f.enabled = want
	c.sink.EnabledChanged(f.ID(), want)
	return true
}

// Remove detaches a field from the container and the dependency graph.
// Fields whose enabled_if referenced it become disabled.
func (c *Container) Remove(ctx context.Context, id string) {
	f, ok := c.fields[id]
	if !ok || f.removed {
		return
	}
	dependents := c.graph.Dependents(id)

	f.removed = true
	f.enabled = false
	c.graph.Remove(id)
	c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == id })
	c.sink.Removed(id)

	log.Debug().Str("plugin", c.manifest.ID).Str("field", id).Msg("field removed")

	for _, depID := range dependents {
		d, ok := c.fields[depID]
		if !ok || d.removed || d.schema.EnabledIf == nil || d.schema.EnabledIf.Field != id {
			continue
		}
		if c.applyEnabled(d) {
			c.UpdateDependents(ctx, depID)
		}
	}
}

// Validate checks every enabled field.
func (c *Container) Validate() error {
	errs := ValidationErrors{}
	for _, f := range c.Fields() {
		if ok, msg := f.Validate(f.Value()); !ok {
			errs[f.ID()] = msg
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Collect exports the effective config keyed by variable name. Disabled
// fields and empty IP fields are left out.
func (c *Container) Collect() map[string]any {
	out := make(map[string]any, len(c.order))
	for _, f := range c.Fields() {
		if !f.Enabled() {
			continue
		}
		v := f.Value()
		if f.schema.Type == manifest.FieldIP && values.IsEmpty(v) {
			continue
		}
		out[f.schema.VariableName()] = v
	}
	return out
}

func (c *Container) lookup(id string) any {
	if f, ok := c.Field(id); ok {
		return f.Value()
	}
	for _, f := range c.Fields() {
		if f.schema.VariableName() == id {
			return f.Value()
		}
	}
	return nil
}

func anyDirty(ids []string, dirty map[string]bool) bool {
	for _, id := range ids {
		if dirty[id] {
			return true
		}
	}
	return false
}
