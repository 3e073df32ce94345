// Package sequence loads sequence documents: named, ordered plugin lists
// with per-entry configuration overrides.
package sequence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pcutils/pcutils/pkg/schemas"
	"github.com/pcutils/pcutils/pkg/values"
)

var (
	// ErrNoSequence is returned when no sequence matches a shortcut.
	ErrNoSequence = errors.New("no sequence matches shortcut")
	// ErrAmbiguousShortcut is returned when more than one sequence matches a shortcut.
	ErrAmbiguousShortcut = errors.New("shortcut matches several sequences")
)

// SequenceError is returned when a sequence document cannot be loaded.
type SequenceError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SequenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sequence %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("sequence %s: %s", e.Path, e.Reason)
}

func (e *SequenceError) Unwrap() error {
	return e.Err
}

// Entry is one canonicalized plugin occurrence of a sequence.
type Entry struct {
	PluginID string         `json:"plugin_id"`
	Config   map[string]any `json:"config"`
	Position int            `json:"position"`
	// Extras holds every other key of the entry (display_name, icon,
	// remote_execution, template, ignore_errors, timeout, ...).
	Extras map[string]any `json:"extras,omitempty"`
}

// Sequence is a loaded sequence document.
type Sequence struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Shortcuts   []string `json:"shortcuts,omitempty"`
	Entries     []Entry  `json:"entries"`
}

// Occurrences returns the entries of pluginID in sequence order.
func (s *Sequence) Occurrences(pluginID string) []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.PluginID == pluginID {
			out = append(out, e)
		}
	}
	return out
}

// HasShortcut reports whether the sequence answers to shortcut
// (case-insensitive).
func (s *Sequence) HasShortcut(shortcut string) bool {
	for _, sc := range s.Shortcuts {
		if strings.EqualFold(sc, shortcut) {
			return true
		}
	}
	return false
}

// Load reads and canonicalizes a sequence file.
func Load(path string) (*Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SequenceError{Path: path, Reason: "missing", Err: err}
	}
	seq, err := Parse(data)
	if err != nil {
		var se *SequenceError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	seq.Path = path
	return seq, nil
}

// Parse canonicalizes a sequence document. The legacy "variables" key of
// an entry is renamed to "config".
func Parse(data []byte) (*Sequence, error) {
	doc, err := schemas.ParseYAML(data)
	if err != nil {
		return nil, &SequenceError{Reason: "malformed", Err: err}
	}
	if err := schemas.Default().Validate(schemas.Sequence, doc); err != nil {
		return nil, &SequenceError{Reason: "schema", Err: err}
	}

	seq := &Sequence{
		Name:        values.String(doc["name"]),
		Description: values.String(doc["description"]),
		Shortcuts:   values.Strings(doc["shortcut"]),
	}

	plugins, ok := doc["plugins"].([]any)
	if !ok {
		return nil, &SequenceError{Reason: "schema", Err: errors.New("plugins: a list of plugin entries is required")}
	}
	for i, raw := range plugins {
		entry, err := canonicalEntry(i, raw)
		if err != nil {
			return nil, &SequenceError{Reason: "schema", Err: err}
		}
		seq.Entries = append(seq.Entries, entry)
	}
	return seq, nil
}

func canonicalEntry(position int, raw any) (Entry, error) {
	entry := Entry{Position: position, Config: map[string]any{}}

	switch v := raw.(type) {
	case string:
		entry.PluginID = v
	case map[string]any:
		entry.PluginID = values.String(v["name"])
		cfg, hasConfig := v["config"]
		if !hasConfig {
			cfg = v["variables"]
		}
		if cfg != nil {
			m, ok := cfg.(map[string]any)
			if !ok {
				return Entry{}, fmt.Errorf("plugins[%d]: config must be a mapping", position)
			}
			entry.Config = values.CopyMap(m)
		}
		for k, val := range v {
			switch k {
			case "name", "config", "variables":
				continue
			}
			if entry.Extras == nil {
				entry.Extras = make(map[string]any)
			}
			entry.Extras[k] = val
		}
	default:
		return Entry{}, fmt.Errorf("plugins[%d]: entry must be a plugin id or a mapping", position)
	}

	if strings.TrimSpace(entry.PluginID) == "" {
		return Entry{}, fmt.Errorf("plugins[%d]: plugin name is empty", position)
	}
	return entry, nil
}

// LoadAll loads every *.yml / *.yaml file in dir. Invalid files are
// skipped with a warning.
func LoadAll(dir string) ([]*Sequence, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequences directory: %w", err)
	}

	var out []*Sequence
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		seq, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping invalid sequence")
			continue
		}
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// FindByShortcut returns the single sequence answering to shortcut. It
// fails with ErrNoSequence or ErrAmbiguousShortcut otherwise.
func FindByShortcut(seqs []*Sequence, shortcut string) (*Sequence, error) {
	var matches []*Sequence
	for _, s := range seqs {
		if s.HasShortcut(shortcut) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNoSequence, shortcut)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, filepath.Base(m.Path))
		}
		return nil, fmt.Errorf("%w: %q (%s)", ErrAmbiguousShortcut, shortcut, strings.Join(names, ", "))
	}
}
