package seqconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcutils/pcutils/pkg/fields"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/sequence"
	"github.com/pcutils/pcutils/pkg/templates"
)

type staticManifests map[string]string

func (s staticManifests) Load(id string) (*manifest.Manifest, error) {
	doc, ok := s[id]
	if !ok {
		return nil, &manifest.ManifestError{PluginID: id, Reason: manifest.ReasonMissing, Err: os.ErrNotExist}
	}
	m, err := manifest.Parse(id, []byte(doc))
	if err != nil {
		return nil, err
	}
	m.Folder = id
	return m, nil
}

var testManifests = staticManifests{
	"hello": `
name: Hello
config_fields:
  name:
    type: text
    default: alpha
  count:
    type: text
    default: "1"
`,
	"remote": `
name: Remote
remote_execution: true
config_fields:
  path:
    type: directory
    default: /tmp
`,
	"strict": `
name: Strict
config_fields:
  ip:
    type: ip
    required: true
`,
}

func mustSequence(t *testing.T, doc string) *sequence.Sequence {
	t.Helper()
	seq, err := sequence.Parse([]byte(doc))
	require.NoError(t, err)
	return seq
}

func TestComposeDefaults(t *testing.T) {
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})

	recs, err := m.Compose(context.Background(), []Selection{{PluginID: "hello", InstanceID: 1}}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, "hello_1", recs[0].Key())
	assert.Equal(t, "Hello", recs[0].DisplayName)
	assert.Equal(t, map[string]any{"name": "alpha", "count": "1"}, recs[0].Config)
	assert.Equal(t, -1, recs[0].SequencePosition)
	assert.False(t, recs[0].RemoteExecution)
}

func TestComposeMergePriority(t *testing.T) {
	seq := mustSequence(t, `
name: Daily
plugins:
  - name: hello
    variables:
      name: from-seq
      count: "2"
    display_name: Greeter
    ignore_errors: true
    timeout: 30
`)
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})

	recs, err := m.Compose(context.Background(), []Selection{{
		PluginID:   "hello",
		InstanceID: 1,
		Preset:     map[string]any{"name": "from-user", "timeout": "1m"},
	}}, seq)
	require.NoError(t, err)

	r := recs[0]
	assert.Equal(t, "from-user", r.Config["name"])
	assert.Equal(t, "2", r.Config["count"])
	assert.Equal(t, "Greeter", r.DisplayName)
	assert.True(t, r.IgnoreErrors)
	assert.Equal(t, time.Minute, r.Timeout)
	assert.Equal(t, 0, r.SequencePosition)
}

func TestComposeOccurrenceMatching(t *testing.T) {
	seq := mustSequence(t, `
name: Multi
plugins:
  - name: hello
    config: {name: first}
  - remote
  - name: hello
    config: {name: second}
`)
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})

	recs, err := m.Compose(context.Background(), []Selection{
		{PluginID: "hello"},
		{PluginID: "remote"},
		{PluginID: "hello"},
		{PluginID: "hello"},
		{PluginID: "__sequence__"},
	}, seq)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	assert.Equal(t, "first", recs[0].Config["name"])
	assert.Equal(t, 1, recs[0].InstanceID)
	assert.Equal(t, "second", recs[2].Config["name"])
	assert.Equal(t, 2, recs[2].InstanceID)
	assert.Equal(t, "alpha", recs[3].Config["name"], "third selection has no occurrence")
	assert.Equal(t, -1, recs[3].SequencePosition)
}

func TestComposeFromSequencePointer(t *testing.T) {
	seq := mustSequence(t, `
name: Multi
plugins:
  - name: hello
    config: {name: first}
  - name: hello
    config: {name: second}
`)
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})
	pos := 1

	recs, err := m.Compose(context.Background(), []Selection{
		{PluginID: "hello", InstanceID: 2, FromSequence: &pos},
		{PluginID: "hello", InstanceID: 3},
	}, seq)
	require.NoError(t, err)
	assert.Equal(t, "second", recs[0].Config["name"])
	assert.Equal(t, "alpha", recs[1].Config["name"], "second occurrence already consumed")
}

func TestComposeRemoteToggle(t *testing.T) {
	seq := mustSequence(t, `
name: Remote
plugins:
  - name: remote
    remote_execution: true
    config:
      ssh_ips: 10.0.0.1-2
  - name: hello
    remote_execution: true
`)
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})

	recs, err := m.Compose(context.Background(), []Selection{{PluginID: "remote"}, {PluginID: "hello"}}, seq)
	require.NoError(t, err)

	assert.True(t, recs[0].RemoteExecution)
	assert.Equal(t, true, recs[0].Config["remote_execution"])
	assert.Equal(t, "10.0.0.1-2", recs[0].Config["ssh_ips"])
	assert.Equal(t, "root", recs[0].Config["ssh_user"])

	assert.False(t, recs[1].RemoteExecution, "plugin does not support remote execution")
	assert.Equal(t, false, recs[1].Config["remote_execution"])
}

func TestComposeValidationProblems(t *testing.T) {
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})

	recs, err := m.Compose(context.Background(), []Selection{
		{PluginID: "strict", Preset: map[string]any{"ip": "300.1.1.1"}},
		{PluginID: "hello"},
	}, nil)
	require.Error(t, err)
	require.Len(t, recs, 2)

	var ie *InstanceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "strict_1", ie.Key)
	var verrs fields.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, fields.MsgInvalidIP, verrs["ip"])
}

func TestComposeMissingManifest(t *testing.T) {
	m := NewManager(testManifests, Options{Logger: zerolog.Nop()})
	_, err := m.Compose(context.Background(), []Selection{{PluginID: "ghost"}}, nil)
	assert.True(t, manifest.IsManifestError(err, manifest.ReasonMissing))
}

func TestComposeTemplates(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "hello")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yml"),
		[]byte("name: Default\ndescription: d\nvariables: {count: \"5\"}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loud.yml"),
		[]byte("name: Loud\ndescription: l\nvariables: {name: LOUD, count: \"9\"}\n"), 0o644))

	m := NewManager(testManifests, Options{
		Templates: templates.NewStore(root, zerolog.Nop()),
		Logger:    zerolog.Nop(),
	})
	seq := mustSequence(t, `
name: T
plugins:
  - name: hello
    template: loud
    config: {count: "7"}
`)

	recs, err := m.Compose(context.Background(), []Selection{{PluginID: "hello"}, {PluginID: "hello"}}, seq)
	require.NoError(t, err)

	assert.Equal(t, "loud", recs[0].Template)
	assert.Equal(t, "LOUD", recs[0].Config["name"])
	assert.Equal(t, "7", recs[0].Config["count"], "sequence config wins over template")

	assert.Equal(t, "alpha", recs[1].Config["name"])
	assert.Equal(t, "5", recs[1].Config["count"], "default template applies")
}

func TestParseParamArgs(t *testing.T) {
	got, err := ParseParamArgs([]string{"name=beta", "count=3", "force=true", "list=[a, b]", "empty=", "url=http://x/?a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":  "beta",
		"count": 3,
		"force": true,
		"list":  []any{"a", "b"},
		"empty": "",
		"url":   "http://x/?a=b",
	}, got)

	_, err = ParseParamArgs([]string{"novalue"})
	assert.Error(t, err)
}

func TestLoadParamsFile(t *testing.T) {
	dir := t.TempDir()
	flat := filepath.Join(dir, "flat.yml")
	require.NoError(t, os.WriteFile(flat, []byte("name: gamma\ncount: 4\n"), 0o644))
	seqFile := filepath.Join(dir, "seq.yml")
	require.NoError(t, os.WriteFile(seqFile, []byte("plugins:\n  - name: hello\n    variables: {name: delta}\n"), 0o644))

	pf, err := LoadParamsFile(flat)
	require.NoError(t, err)
	assert.Nil(t, pf.Sequence)
	assert.Equal(t, "gamma", pf.Params["name"])

	pf, err = LoadParamsFile(seqFile)
	require.NoError(t, err)
	require.NotNil(t, pf.Sequence)
	assert.Equal(t, "delta", pf.Sequence.Entries[0].Config["name"])
}
