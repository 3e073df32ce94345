package seqconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pcutils/pcutils/pkg/fields"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/sequence"
	"github.com/pcutils/pcutils/pkg/templates"
	"github.com/pcutils/pcutils/pkg/values"
)

// ManifestSource loads plugin manifests. *manifest.Loader implements it.
type ManifestSource interface {
	Load(pluginID string) (*manifest.Manifest, error)
}

// TemplateSource looks up configuration templates. *templates.Store
// implements it.
type TemplateSource interface {
	Get(pluginID, id string) (*templates.Template, error)
	Default(pluginID string) (*templates.Template, bool)
}

// InstanceError reports a configuration problem of one instance.
type InstanceError struct {
	Key string
	Err error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

// Options configures a Manager.
type Options struct {
	// Templates is optional.
	Templates TemplateSource
	// Invoker runs dynamic defaults and options while fields resolve.
	Invoker fields.Invoker
	Logger  zerolog.Logger
}

// Manager composes effective plugin records.
type Manager struct {
	manifests ManifestSource
	templates TemplateSource
	invoker   fields.Invoker
	logger    zerolog.Logger
}

// NewManager creates a manager.
func NewManager(manifests ManifestSource, opts Options) *Manager {
	return &Manager{
		manifests: manifests,
		templates: opts.Templates,
		invoker:   opts.Invoker,
		logger:    opts.Logger.With().Str("component", "seqconfig").Logger(),
	}
}

// Compose builds one record per selection, in selection order. seq may
// be nil.
//
// The k-th selection of a plugin takes the k-th occurrence of that
// plugin in seq unless it pins a position with FromSequence. Every
// occurrence is used at most once; a selection left without one gets
// defaults only. Merge order, lowest first: manifest defaults, template,
// sequence occurrence, preset.
//
// Manifest load failures abort composition. Validation failures are
// returned as a joined error of *InstanceError next to the records, so
// callers can decide to block only the affected instances.
func (m *Manager) Compose(ctx context.Context, selections []Selection, seq *sequence.Sequence) ([]*Record, error) {
	counters := make(map[string]int)
	used := make(map[int]bool)
	nextInstance := make(map[string]int)

	records := make([]*Record, 0, len(selections))
	var problems []error

	for _, sel := range selections {
		if strings.HasPrefix(sel.PluginID, "__") {
			continue
		}

		k := counters[sel.PluginID]
		counters[sel.PluginID]++

		if sel.InstanceID <= 0 {
			sel.InstanceID = nextInstance[sel.PluginID] + 1
		}
		if sel.InstanceID > nextInstance[sel.PluginID] {
			nextInstance[sel.PluginID] = sel.InstanceID
		}

		entry := matchOccurrence(seq, sel, k, used)

		rec, err := m.compose(ctx, sel, entry)
		if err != nil {
			var verrs fields.ValidationErrors
			if !errors.As(err, &verrs) {
				return nil, err
			}
			problems = append(problems, &InstanceError{Key: rec.Key(), Err: err})
		}
		records = append(records, rec)
	}

	return records, errors.Join(problems...)
}

// matchOccurrence returns the sequence entry feeding sel, or nil.
func matchOccurrence(seq *sequence.Sequence, sel Selection, k int, used map[int]bool) *sequence.Entry {
	if seq == nil {
		return nil
	}
	if sel.FromSequence != nil {
		pos := *sel.FromSequence
		if pos < 0 || pos >= len(seq.Entries) || used[pos] || seq.Entries[pos].PluginID != sel.PluginID {
			return nil
		}
		used[pos] = true
		e := seq.Entries[pos]
		return &e
	}
	occ := seq.Occurrences(sel.PluginID)
	if k >= len(occ) || used[occ[k].Position] {
		return nil
	}
	used[occ[k].Position] = true
	e := occ[k]
	return &e
}

func (m *Manager) compose(ctx context.Context, sel Selection, entry *sequence.Entry) (*Record, error) {
	man, err := m.manifests.Load(sel.PluginID)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		PluginName:       sel.PluginID,
		InstanceID:       sel.InstanceID,
		DisplayName:      man.DisplayName,
		Icon:             man.Icon,
		SequencePosition: -1,
		Manifest:         man,
	}

	presetConfig, presetSpecial := splitPreset(sel.Preset)

	var seqConfig, seqSpecial map[string]any
	if entry != nil {
		rec.SequencePosition = entry.Position
		seqConfig = entry.Config
		seqSpecial = map[string]any{}
		for k, v := range entry.Extras {
			if specialKeys[k] {
				seqSpecial[k] = v
			}
		}
	}

	applySpecial(rec, seqSpecial)
	applySpecial(rec, presetSpecial)

	merged := map[string]any{}
	if tpl := m.template(sel.PluginID, rec.Template); tpl != nil {
		merged = deepMerge(merged, tpl.Variables)
	}
	merged = deepMerge(merged, seqConfig)
	merged = deepMerge(merged, presetConfig)

	// A remote_execution special key drives the synthesized toggle.
	for _, special := range []map[string]any{seqSpecial, presetSpecial} {
		if v, ok := special[KeyRemoteExecution]; ok {
			merged[manifest.RemoteToggleField] = v
		}
	}

	container, err := fields.New(ctx, man, fields.Options{Invoker: m.invoker})
	if err != nil {
		return nil, err
	}
	extras := container.Apply(ctx, merged)

	config := container.Collect()
	for k, v := range extras {
		if _, exists := config[k]; !exists {
			config[k] = v
		}
	}

	rec.RemoteExecution = man.RemoteExecution && values.Bool(config[manifest.RemoteToggleField])
	if _, ok := config[manifest.RemoteToggleField]; ok || man.RemoteExecution {
		config[manifest.RemoteToggleField] = rec.RemoteExecution
	}
	rec.Config = config

	m.logger.Debug().
		Str("plugin", rec.PluginName).
		Int("instance", rec.InstanceID).
		Int("sequence_position", rec.SequencePosition).
		Str("template", rec.Template).
		Bool("remote", rec.RemoteExecution).
		Msg("Composed plugin configuration")

	return rec, container.Validate()
}

// template returns the requested template, or the plugin's default
// template when none is requested.
func (m *Manager) template(pluginID, id string) *templates.Template {
	if m.templates == nil {
		return nil
	}
	if id == "" {
		if t, ok := m.templates.Default(pluginID); ok {
			return t
		}
		return nil
	}
	t, err := m.templates.Get(pluginID, id)
	if err != nil {
		m.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Template not applied")
		return nil
	}
	return t
}
