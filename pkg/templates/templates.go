// Package templates loads named configuration presets stored as
// templates/{plugin_id}/{name}.yml.
package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pcutils/pcutils/pkg/schemas"
	"github.com/pcutils/pcutils/pkg/values"
)

// DefaultName is the template applied when none is requested.
const DefaultName = "default"

// schemaFile sits next to templates and is never a template itself.
const schemaFile = "template_schema.yml"

// ErrNotFound is returned when a plugin has no template with the
// requested name.
var ErrNotFound = errors.New("template not found")

// Template is a named set of variable values for one plugin.
type Template struct {
	// ID is the file stem, used to reference the template.
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Variables   map[string]any `json:"variables"`
	Path        string         `json:"path"`
}

// Store reads templates from a root directory.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "templates").Logger(),
	}
}

// List returns the valid templates of pluginID sorted by id. A plugin
// without a template folder has no templates.
func (s *Store) List(pluginID string) ([]*Template, error) {
	dir := filepath.Join(s.dir, pluginID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read templates of %s: %w", pluginID, err)
	}

	var out []*Template
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == schemaFile || !isYAML(name) {
			continue
		}
		path := filepath.Join(dir, name)
		t, err := load(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Skipping invalid template")
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the template id of pluginID.
func (s *Store) Get(pluginID, id string) (*Template, error) {
	list, err := s.List(pluginID)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, pluginID, id)
}

// Default returns the "default" template of pluginID, if any.
func (s *Store) Default(pluginID string) (*Template, bool) {
	t, err := s.Get(pluginID, DefaultName)
	if err != nil {
		return nil, false
	}
	return t, true
}

func load(path string) (*Template, error) {
	doc, err := schemas.LoadYAML(path)
	if err != nil {
		return nil, err
	}
	if err := schemas.Default().Validate(schemas.Template, doc); err != nil {
		return nil, err
	}
	vars, _ := doc["variables"].(map[string]any)
	return &Template{
		ID:          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Name:        values.String(doc["name"]),
		Description: values.String(doc["description"]),
		Variables:   values.CopyMap(vars),
		Path:        path,
	}, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}
