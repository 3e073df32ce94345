package sequence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nightly = `
name: Nightly
description: nightly maintenance
shortcut: [n, Night]
plugins:
  - disk_check
  - name: backup
    variables:
      source: /srv
      compress: true
    icon: "💾"
  - name: backup
    config:
      source: /home
    ignore_errors: true
  - name: cleanup
`

func writeSeq(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeSeq(t, t.TempDir(), "nightly.yml", nightly)

	seq, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Nightly", seq.Name)
	assert.Equal(t, []string{"n", "Night"}, seq.Shortcuts)
	require.Len(t, seq.Entries, 4)

	assert.Equal(t, "disk_check", seq.Entries[0].PluginID)
	assert.Empty(t, seq.Entries[0].Config)

	first := seq.Entries[1]
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, map[string]any{"source": "/srv", "compress": true}, first.Config)
	assert.NotContains(t, first.Extras, "variables")
	assert.Equal(t, "💾", first.Extras["icon"])

	assert.Equal(t, true, seq.Entries[2].Extras["ignore_errors"])

	occ := seq.Occurrences("backup")
	require.Len(t, occ, 2)
	assert.Equal(t, "/home", occ[1].Config["source"])
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"malformed":        "name: [x\n",
		"missing plugins":  "name: x\n",
		"plugins not list": "name: x\nplugins: backup\n",
		"entry without name": `
name: x
plugins:
  - config: {a: 1}
`,
		"config not mapping": `
name: x
plugins:
  - name: backup
    config: [1, 2]
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
			var se *SequenceError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestParseRequiresPlugins(t *testing.T) {
	for _, body := range []string{"name: x\n", "name: x\nplugins:\n"} {
		_, err := Parse([]byte(body))
		var se *SequenceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "schema", se.Reason)
		assert.Contains(t, err.Error(), "plugins")
	}
}

func TestFindByShortcut(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "nightly.yml", nightly)
	writeSeq(t, dir, "weekly.yaml", "name: Weekly\nshortcut: w\nplugins: [backup]\n")
	writeSeq(t, dir, "dup.yml", "name: Dup\nshortcut: [w]\nplugins: [backup]\n")
	writeSeq(t, dir, "broken.yml", "name: [\n")
	writeSeq(t, dir, "notes.txt", "not a sequence")

	seqs, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, seqs, 3)

	seq, err := FindByShortcut(seqs, "night")
	require.NoError(t, err)
	assert.Equal(t, "Nightly", seq.Name)

	_, err = FindByShortcut(seqs, "zzz")
	assert.ErrorIs(t, err, ErrNoSequence)

	_, err = FindByShortcut(seqs, "w")
	assert.ErrorIs(t, err, ErrAmbiguousShortcut)
}
