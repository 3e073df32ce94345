package callback

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcutils/pcutils/pkg/manifest"
)

func TestPathsResolve(t *testing.T) {
	p := Paths{BaseDir: "/app", PluginsDir: "/app/plugins", ScriptsDir: "/app/scripts"}

	tests := []struct {
		name string
		cb   manifest.Callback
		want string
	}{
		{"plugin local", manifest.Callback{Script: "get.py"}, "/app/plugins/disk/get.py"},
		{"global", manifest.Callback{Script: "get.py", Global: true}, "/app/scripts/get.py"},
		{"relative path", manifest.Callback{Script: "get.py", Path: "lib"}, "/app/plugins/disk/lib/get.py"},
		{"absolute path", manifest.Callback{Script: "get.py", Path: "/opt/x"}, "/opt/x/get.py"},
		{"base marker", manifest.Callback{Script: "get.py", Path: "@[shared]"}, "/app/shared/get.py"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := tt.cb
			assert.Equal(t, tt.want, p.Resolve("disk", &cb))
		})
	}
}

func TestBindArgs(t *testing.T) {
	cb := &manifest.Callback{Args: []manifest.CallbackArg{
		{Field: "device"},
		{Value: "fixed"},
		{Field: "mode", ParamName: "mode"},
	}}
	lookup := func(id string) any {
		return map[string]any{"device": "/dev/sda", "mode": "fast"}[id]
	}

	args, kwargs := BindArgs(cb, lookup)
	assert.Equal(t, []any{"/dev/sda", "fixed"}, args)
	assert.Equal(t, map[string]any{"mode": "fast"}, kwargs)
}

func TestDefaultValue(t *testing.T) {
	withKey := &manifest.Callback{ValueKey: "size"}
	noKey := &manifest.Callback{}

	v, ok := DefaultValue([]any{true, "abc"}, noKey)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = DefaultValue([]any{false, "boom"}, noKey)
	assert.False(t, ok)

	v, ok = DefaultValue([]any{true, map[string]any{"size": "10G"}}, withKey)
	assert.True(t, ok)
	assert.Equal(t, "10G", v)

	v, ok = DefaultValue(map[string]any{"size": "5G"}, withKey)
	assert.True(t, ok)
	assert.Equal(t, "5G", v)

	_, ok = DefaultValue(map[string]any{"size": "5G"}, noKey)
	assert.False(t, ok)

	v, ok = DefaultValue(map[string]any{"value": "eth0", "description": "Ethernet"}, noKey)
	assert.True(t, ok)
	assert.Equal(t, "eth0", v)

	v, ok = DefaultValue(map[string]any{"name": "alice", "id": 1000}, noKey)
	assert.True(t, ok)
	assert.Equal(t, 1000, v, "id comes before name")

	v, ok = DefaultValue(map[string]any{"device": "/dev/sda"}, withKey)
	assert.True(t, ok)
	assert.Equal(t, "/dev/sda", v, "fallback when value_key is absent")

	v, ok = DefaultValue([]any{true, map[string]any{"username": "bob"}}, noKey)
	assert.True(t, ok)
	assert.Equal(t, "bob", v)

	v, ok = DefaultValue(int64(42), noKey)
	assert.True(t, ok)
	assert.Equal(t, "42", v)

	_, ok = DefaultValue(nil, noKey)
	assert.False(t, ok)
}

func TestNormalizeOptions(t *testing.T) {
	t.Run("pairs and scalars", func(t *testing.T) {
		opts := NormalizeOptions([]any{[]any{"Disk A", "sda"}, []any{"only"}, "plain"}, "", "")
		assert.Equal(t, []manifest.Option{
			{Label: "Disk A", Value: "sda"},
			{Label: "only", Value: "only"},
			{Label: "plain", Value: "plain"},
		}, opts)
	})

	t.Run("dicts with fallbacks", func(t *testing.T) {
		opts := NormalizeOptions([]any{
			map[string]any{"description": "First", "value": "1"},
			map[string]any{"name": "sdb", "device": "/dev/sdb"},
			map[string]any{"username": "bob"},
		}, "", "")
		assert.Equal(t, []manifest.Option{
			{Label: "First", Value: "1"},
			{Label: "sdb", Value: "/dev/sdb"},
			{Label: "bob", Value: "bob"},
		}, opts)
	})

	t.Run("explicit keys", func(t *testing.T) {
		opts := NormalizeOptions([]any{map[string]any{"model": "X1", "serial": "S9"}}, "model", "serial")
		assert.Equal(t, []manifest.Option{{Label: "X1", Value: "S9"}}, opts)
	})

	t.Run("dict result", func(t *testing.T) {
		opts := NormalizeOptions(map[string]any{"b": "2", "a": "1"}, "", "")
		assert.Equal(t, []manifest.Option{{Label: "a", Value: "1"}, {Label: "b", Value: "2"}}, opts)
	})

	t.Run("duplicate values", func(t *testing.T) {
		opts := NormalizeOptions([]any{"x", "x", "x"}, "", "")
		assert.Equal(t, []string{"x", "x_1", "x_2"}, []string{opts[0].Value, opts[1].Value, opts[2].Value})
	})
}

func TestOptionsFromResult(t *testing.T) {
	cb := &manifest.Callback{}

	opts, err := OptionsFromResult([]any{true, []any{"a", "b"}}, cb)
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	_, err = OptionsFromResult([]any{false, "no disks"}, cb)
	assert.Error(t, err)

	opts, err = OptionsFromResult([]any{}, cb)
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestStarlarkRunner(t *testing.T) {
	script := writeScript(t, "opts.star", `
def helper():
    return 1

def get_devices(prefix, suffix = ""):
    return (True, [prefix + "a" + suffix, prefix + "b" + suffix])

def get_other():
    return "other"
`)
	r := NewStarlarkRunner()

	got, err := r.Call(context.Background(), Request{Script: script, Args: []any{"sd"}, Kwargs: map[string]any{"suffix": "1"}})
	require.NoError(t, err)
	assert.Equal(t, []any{true, []any{"sda1", "sdb1"}}, got)

	got, err = r.Call(context.Background(), Request{Script: script, Function: "get_other"})
	require.NoError(t, err)
	assert.Equal(t, "other", got)

	_, err = r.Call(context.Background(), Request{Script: script, Function: "missing"})
	assert.Error(t, err)
}

func TestStarlarkRunnerCancelled(t *testing.T) {
	script := writeScript(t, "loop.star", `
def get_forever():
    n = 0
    for i in range(100000000):
        n += i
    return n
`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewStarlarkRunner().Call(ctx, Request{Script: script})
	assert.Error(t, err)
}

func TestSubprocessRunnerShell(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	script := writeScript(t, "get.sh", `#!/bin/bash
cat >/dev/null
echo "noise"
echo '[true, {"size": "20G"}]'
`)

	d := NewDispatcher(Options{Timeout: 5 * time.Second})
	defer d.Close(context.Background())

	raw, err := d.Call(context.Background(), Request{Script: script})
	require.NoError(t, err)
	v, ok := DefaultValue(raw, &manifest.Callback{ValueKey: "size"})
	assert.True(t, ok)
	assert.Equal(t, "20G", v)
}

func TestSubprocessRunnerFailure(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	script := writeScript(t, "fail.sh", "#!/bin/bash\necho 'cannot list' >&2\nexit 3\n")

	_, err := NewSubprocessRunner("").Call(context.Background(), Request{Script: script})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot list")
}

func TestSubprocessRunnerPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	script := writeScript(t, "disks.py", `
def get_disks(kind, limit=2):
    return True, [kind + str(i) for i in range(limit)]
`)

	got, err := NewSubprocessRunner("python3").Call(context.Background(), Request{
		Script: script,
		Args:   []any{"sd"},
		Kwargs: map[string]any{"limit": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{true, []any{"sd0", "sd1", "sd2"}}, got)
}
