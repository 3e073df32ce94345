package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	regoPath := filepath.Join(dir, "ports.rego")
	jsonPath := filepath.Join(dir, "named.json")
	require.NoError(t, os.WriteFile(regoPath, []byte("package ports\n\ndeny[msg] {\n\tinput.remote\n\tmsg := \"x\"\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"named","rego":"package named\n","severity":"error"}`), 0o644))

	l := NewLoader(zerolog.Nop())

	p, err := l.loadFromFile(regoPath)
	require.NoError(t, err)
	assert.Equal(t, "ports", p.Name)
	assert.Equal(t, SeverityWarning, p.Severity)
	assert.True(t, p.Enabled)
	assert.Equal(t, regoPath, p.Source)

	p, err = l.loadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "named", p.Name)
	assert.Equal(t, SeverityError, p.Severity)
	assert.True(t, p.Enabled)
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(zerolog.Nop())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err := l.loadFromFile(bad)
	assert.Error(t, err)

	anon := filepath.Join(dir, "anon.json")
	require.NoError(t, os.WriteFile(anon, []byte(`{"rego":"package a"}`), 0o644))
	_, err = l.loadFromFile(anon)
	assert.Error(t, err)

	_, err = l.loadFromFile(filepath.Join(dir, "policy.txt"))
	assert.Error(t, err)
}

func TestLoadFromDirectorySkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rego"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.rego"), []byte("package b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("#"), 0o644))

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}

func TestLoadFromPathsMissing(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{"/nonexistent/policies"})
	assert.Error(t, err)
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		desc     string
		severity Severity
	}{
		{"none", "package a\n", "", ""},
		{"description", "# Checks ports.\n# Second line.\npackage a\n# trailing\n", "Checks ports. Second line.", ""},
		{"severity", "# severity: Critical\npackage a\n", "", SeverityCritical},
		{"both", "\n# Blocks root.\n#\n# severity: error\n\npackage a\n", "Blocks root.", SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := parseHeader(tt.content)
			assert.Equal(t, tt.desc, desc)
			assert.Equal(t, tt.severity, sev)
		})
	}
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.rego")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	l := NewLoader(zerolog.Nop())
	_, err := l.loadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, l.cache, 1)

	l.ClearCache()
	assert.Empty(t, l.cache)
}
