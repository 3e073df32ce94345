package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

// execute runs the command line and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, g := newRootCommand(BuildInfo{Version: "1.0.0", Commit: "abc", BuildDate: "today"})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	_ = g.shutdown(context.Background())
	return out.String(), err
}

// workspace writes a settings file whose paths live under a temp dir.
func workspace(t *testing.T) (root, settingsFile string) {
	t.Helper()
	root = t.TempDir()
	for _, d := range []string{"plugins", "sequences", "scripts", "templates"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	settingsFile = filepath.Join(root, "pcutils.yaml")
	content := fmt.Sprintf(`paths:
  plugins: %[1]s/plugins
  sequences: %[1]s/sequences
  scripts: %[1]s/scripts
  templates: %[1]s/templates
  reports: %[1]s/reports/pcutils.db
multiplexer:
  flush_interval: 10ms
`, root)
	require.NoError(t, os.WriteFile(settingsFile, []byte(content), 0o644))
	return root, settingsFile
}

func writePlugin(t *testing.T, root, id, manifest, script string) {
	t.Helper()
	dir := filepath.Join(root, "plugins", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exec.sh"), []byte(script), 0o755))
}

const helloManifest = `
name: Bonjour
description: Dit bonjour
config_fields:
  name:
    type: text
    label: Nom
    default: world
`

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"usage", usageErrorf("bad flag"), ExitUsage},
		{"wrapped usage", fmt.Errorf("ctx: %w", usageErrorf("bad")), ExitUsage},
		{"failed", failed(errors.New("run failed")), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
	assert.True(t, IsSilent(failed(errors.New("x"))))
	assert.False(t, IsSilent(usageErrorf("x")))
}

func TestRunOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts runOptions
		ok   bool
	}{
		{"plugin", runOptions{plugin: "p"}, true},
		{"plugin with params", runOptions{plugin: "p", params: []string{"a=1"}}, true},
		{"sequence", runOptions{sequence: "s.yml"}, true},
		{"auto shortcut", runOptions{auto: true, shortcut: "poste"}, true},
		{"config only", runOptions{configFile: "seq.yml"}, true},
		{"auto alone", runOptions{auto: true}, false},
		{"both sources", runOptions{sequence: "s.yml", shortcut: "x"}, false},
		{"plugin and sequence", runOptions{plugin: "p", sequence: "s.yml"}, false},
		{"params without plugin", runOptions{sequence: "s.yml", params: []string{"a=1"}}, false},
		{"nothing", runOptions{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, ExitUsage, ExitCode(err))
		})
	}
}

func TestUsageErrors(t *testing.T) {
	_, settingsFile := workspace(t)

	_, err := execute(t, "--settings", settingsFile, "run", "--no-such-flag")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, err = execute(t, "--settings", settingsFile, "run", "--auto")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, err = execute(t, "--settings", settingsFile, "run", "--shortcut", "absent")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, err = execute(t, "--settings", settingsFile, "validate")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, err = execute(t, "--settings", filepath.Join(t.TempDir(), "missing.yaml"), "sequences")
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pcutils 1.0.0")
	assert.Contains(t, out, "commit:  abc")
}

func TestIPsCommand(t *testing.T) {
	_, settingsFile := workspace(t)

	out, err := execute(t, "--settings", settingsFile, "ips", "10.0.0.1-3", "10.0.0.10", "--except", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1\n10.0.0.3\n10.0.0.10\n", out)

	_, err = execute(t, "--settings", settingsFile, "ips", "10.0.0")
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestValidatePlugin(t *testing.T) {
	root, settingsFile := workspace(t)
	writePlugin(t, root, "hello", helloManifest, "echo hi\n")

	out, err := execute(t, "--settings", settingsFile, "validate", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Bonjour (hello)")
	assert.Contains(t, out, "FIELD")
	assert.Contains(t, out, "name")

	_, err = execute(t, "--settings", settingsFile, "validate", "absent")
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestSequencesCommand(t *testing.T) {
	root, settingsFile := workspace(t)
	seq := "name: Poste\nshortcuts: [poste]\nplugins:\n  - hello\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "sequences", "poste.yml"), []byte(seq), 0o644))

	out, err := execute(t, "--settings", settingsFile, "sequences")
	require.NoError(t, err)
	assert.Contains(t, out, "Poste")
	assert.Contains(t, out, "poste")
}

func TestRunPluginAndReports(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	root, settingsFile := workspace(t)
	writePlugin(t, root, "hello", helloManifest, `echo '{"level":"info","message":"bonjour"}'`+"\n")
	writePlugin(t, root, "broken", helloManifest, "exit 4\n")

	out, err := execute(t, "--settings", settingsFile, "run", "--plugin", "hello", "--params", "name=alice")
	require.NoError(t, err)
	assert.Contains(t, out, "bonjour")
	assert.Contains(t, out, "1 réussie(s)")

	_, err = execute(t, "--settings", settingsFile, "run", "--plugin", "broken")
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.True(t, IsSilent(err))

	out, err = execute(t, "--settings", settingsFile, "reports", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "failed")

	_, err = execute(t, "--settings", settingsFile, "reports", "show", "no-such-run")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, err = execute(t, "--settings", settingsFile, "reports", "delete", "no-such-run")
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestRunSequenceContinueOnError(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	root, settingsFile := workspace(t)
	writePlugin(t, root, "hello", helloManifest, `echo '{"level":"info","message":"bonjour"}'`+"\n")
	writePlugin(t, root, "broken", helloManifest, "exit 4\n")
	seqPath := filepath.Join(root, "sequences", "mixed.yml")
	seq := "name: Mixte\nshortcuts: [mixte]\nplugins:\n  - broken\n  - hello\n"
	require.NoError(t, os.WriteFile(seqPath, []byte(seq), 0o644))

	_, err := execute(t, "--settings", settingsFile, "run", "--auto", "--shortcut", "mixte")
	assert.Equal(t, ExitFailure, ExitCode(err))

	out, err := execute(t, "--settings", settingsFile, "run", "--sequence", seqPath, "--continue-on-error")
	require.NoError(t, err)
	assert.Contains(t, out, "1 réussie(s), 1 en échec")

	out, err = execute(t, "--settings", settingsFile, "validate", seqPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Mixte (2 plugin(s))")
}
