// Package seqconfig composes the effective configuration of every
// selected plugin instance from manifest defaults, templates, sequence
// occurrences and user presets.
package seqconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/values"
)

// Keys copied from sequence entries and presets onto the record rather
// than into the config.
const (
	KeyDisplayName     = "display_name"
	KeyShowName        = "show_name"
	KeyIcon            = "icon"
	KeyRemoteExecution = "remote_execution"
	KeyTemplate        = "template"
	KeyIgnoreErrors    = "ignore_errors"
	KeyTimeout         = "timeout"
	KeyConfig          = "config"
	KeyFromSequence    = "from_sequence"
)

var specialKeys = map[string]bool{
	KeyDisplayName:     true,
	KeyShowName:        true,
	KeyIcon:            true,
	KeyRemoteExecution: true,
	KeyTemplate:        true,
	KeyIgnoreErrors:    true,
	KeyTimeout:         true,
	KeyFromSequence:    true,
	"plugin_name":      true,
	"instance_id":      true,
}

// Selection is one plugin instance picked by the user, in run order.
type Selection struct {
	PluginID   string
	InstanceID int
	// Preset holds explicit user overrides. It is either flat
	// ({var: value, special keys...}) or carries a "config" mapping.
	Preset map[string]any
	// FromSequence pins the selection to a sequence entry position.
	FromSequence *int
}

// Record is the frozen, effective configuration of one plugin instance.
type Record struct {
	PluginName      string         `json:"plugin_name"`
	InstanceID      int            `json:"instance_id"`
	DisplayName     string         `json:"display_name"`
	Icon            string         `json:"icon,omitempty"`
	Config          map[string]any `json:"config"`
	RemoteExecution bool           `json:"remote_execution"`
	Template        string         `json:"template,omitempty"`
	IgnoreErrors    bool           `json:"ignore_errors,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
	// SequencePosition is the matched sequence entry, or -1.
	SequencePosition int `json:"sequence_position"`

	Manifest *manifest.Manifest `json:"-"`
}

// Key returns "{plugin}_{instance}".
func (r *Record) Key() string {
	return Key(r.PluginName, r.InstanceID)
}

// Key formats the record key of a plugin instance.
func Key(pluginID string, instanceID int) string {
	return fmt.Sprintf("%s_%d", pluginID, instanceID)
}

// splitPreset separates config values from special keys. A nested
// "config" mapping wins over flat keys.
func splitPreset(preset map[string]any) (config, special map[string]any) {
	config = map[string]any{}
	special = map[string]any{}
	for k, v := range preset {
		switch {
		case k == KeyConfig:
			continue
		case specialKeys[k]:
			special[k] = v
		default:
			config[k] = v
		}
	}
	if nested, ok := preset[KeyConfig].(map[string]any); ok {
		for k, v := range nested {
			config[k] = v
		}
	}
	return config, special
}

// applySpecial copies special keys onto r. Later calls win.
func applySpecial(r *Record, special map[string]any) {
	for k, v := range special {
		switch k {
		case KeyDisplayName, KeyShowName:
			if s := values.String(v); s != "" {
				r.DisplayName = s
			}
		case KeyIcon:
			r.Icon = values.String(v)
		case KeyTemplate:
			r.Template = values.String(v)
		case KeyIgnoreErrors:
			r.IgnoreErrors = values.Bool(v)
		case KeyTimeout:
			if d, ok := parseTimeout(v); ok {
				r.Timeout = d
			}
		}
	}
}

// parseTimeout accepts a Go duration string or a number of seconds.
func parseTimeout(v any) (time.Duration, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	if f, ok := values.Float(v); ok && f > 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

// deepMerge merges src into dst; nested mappings merge recursively and
// later values win otherwise.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(values.CopyMap(dm), sm)
				continue
			}
			dst[k] = values.CopyMap(sm)
			continue
		}
		dst[k] = v
	}
	return dst
}
