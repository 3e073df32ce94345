package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcutils/pcutils/pkg/credentials"
	"github.com/pcutils/pcutils/pkg/executor"
	"github.com/pcutils/pcutils/pkg/iprange"
	"github.com/pcutils/pcutils/pkg/messaging"
	"github.com/pcutils/pcutils/pkg/transports/ssh"
)

// fakeTransport records the session and replays a scripted plugin run.
type fakeTransport struct {
	host       string
	connectErr error
	stdout     string
	stderr     string
	exitCode   int
	block      bool

	mu       sync.Mutex
	commands []string
	stdin    string
	uploaded string
	files    map[string][]byte
	closed   bool
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, cmd string, opts ssh.RunOptions) (int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if opts.Stdin != nil {
		data, _ := io.ReadAll(opts.Stdin)
		f.mu.Lock()
		f.stdin = string(data)
		f.mu.Unlock()
	}
	if f.block {
		<-ctx.Done()
		return -1, &ssh.TransportError{Op: "execute", Err: ctx.Err()}
	}
	if opts.Stdout != nil && f.stdout != "" {
		_, _ = io.WriteString(opts.Stdout, f.stdout)
	}
	if opts.Stderr != nil && f.stderr != "" {
		_, _ = io.WriteString(opts.Stderr, f.stderr)
	}
	return f.exitCode, nil
}

func (f *fakeTransport) Output(ctx context.Context, cmd string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if strings.HasPrefix(cmd, "mkdir -p ") {
		dir := strings.Trim(strings.Fields(cmd)[2], "'")
		return dir, nil
	}
	return "", nil
}

func (f *fakeTransport) UploadDirectory(ctx context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = remotePath
	return nil
}

func (f *fakeTransport) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[remotePath] = data
	return nil
}

func (f *fakeTransport) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeProber struct {
	reachable map[string]bool
	port      *int
}

func (p fakeProber) ProbeAll(ctx context.Context, addrs []string, port int) []iprange.Result {
	if p.port != nil {
		*p.port = port
	}
	out := make([]iprange.Result, len(addrs))
	for i, a := range addrs {
		out[i] = iprange.Result{Addr: a, Ping: p.reachable[a], Port: p.reachable[a]}
	}
	return out
}

type fakeLocal struct {
	calls atomic.Int32

	mu   sync.Mutex
	reqs []executor.Request
}

func (l *fakeLocal) Execute(ctx context.Context, req executor.Request, targetIP string, sink messaging.Sink) (*executor.Result, error) {
	l.calls.Add(1)
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.mu.Unlock()
	sink.Publish(messaging.Infof(req.PluginID, req.InstanceID, "local run").Tag("", 0, targetIP))
	return &executor.Result{Success: true, Message: "ok"}, nil
}

func pluginDir(t *testing.T, entry string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, entry), []byte("#\n"), 0o755))
	return dir
}

type harness struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	script     func(host string) *fakeTransport
}

func (h *harness) dial(cfg *ssh.Config) (ssh.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ft := h.script(cfg.Host)
	ft.host = cfg.Host
	if h.transports == nil {
		h.transports = map[string]*fakeTransport{}
	}
	h.transports[cfg.Host] = ft
	return ft, nil
}

func newTestExecutor(h *harness, opts Options) *Executor {
	opts.Dial = h.dial
	opts.Logger = zerolog.Nop()
	if opts.Credentials == nil {
		opts.Credentials = credentials.New()
	}
	cfg := DefaultConfig()
	cfg.CommandTimeout = 2 * time.Second
	return New(cfg, opts)
}

func TestFanOutAllSucceed(t *testing.T) {
	h := &harness{script: func(host string) *fakeTransport {
		return &fakeTransport{stdout: `{"level":"info","message":"hello"}` + "\n[SUCCESS] done\n"}
	}}
	e := newTestExecutor(h, Options{})

	rec := &messaging.Recorder{}
	res, err := e.Execute(context.Background(), executor.Request{
		PluginID:   "backup",
		InstanceID: 1,
		PluginDir:  pluginDir(t, executor.ShellEntry),
		Config: map[string]any{
			"ssh_ips":    "10.0.0.1-2",
			"ssh_user":   "root",
			"ssh_passwd": "pw",
		},
	}, rec)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "2/2")
	assert.Len(t, res.Hosts, 2)

	hosts := map[string]bool{}
	for _, m := range rec.OfKind(messaging.KindInfo) {
		if m.Content == "hello" {
			hosts[m.TargetIP] = true
			assert.Equal(t, "backup", m.Source)
		}
	}
	assert.Equal(t, map[string]bool{"10.0.0.1": true, "10.0.0.2": true}, hosts)

	for _, ft := range h.transports {
		assert.True(t, ft.closed)
		assert.True(t, ft.ran("rm -rf '/tmp/pcutils/backup_"))
		assert.True(t, strings.HasPrefix(ft.uploaded, "/tmp/pcutils/backup_"))
	}
}

func TestFanOutPartialFailure(t *testing.T) {
	h := &harness{script: func(host string) *fakeTransport {
		if host == "10.0.0.2" {
			return &fakeTransport{stdout: "Traceback (most recent call last)\n", exitCode: 1}
		}
		return &fakeTransport{stdout: "ok\n"}
	}}
	e := newTestExecutor(h, Options{})

	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "p", InstanceID: 1, PluginDir: pluginDir(t, executor.ShellEntry),
		Config: map[string]any{"ssh_ips": "10.0.0.1,10.0.0.2", "ssh_passwd": "pw"},
	}, messaging.Discard)
	require.NoError(t, err)
	assert.True(t, res.Success, "one host is enough")
	assert.Contains(t, res.Message, "1/2")
}

func TestFanOutAllFail(t *testing.T) {
	h := &harness{script: func(host string) *fakeTransport {
		return &fakeTransport{connectErr: &ssh.TransportError{Op: "authenticate", Err: fmt.Errorf("unable to authenticate"), IsAuthError: true}}
	}}
	e := newTestExecutor(h, Options{})

	rec := &messaging.Recorder{}
	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "p", InstanceID: 1, PluginDir: pluginDir(t, executor.ShellEntry),
		Config: map[string]any{"ssh_ips": "10.0.0.1", "ssh_passwd": "bad"},
	}, rec)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "0/1")
	require.Len(t, res.Hosts, 1)
	assert.Contains(t, res.Hosts[0].Message, "authentification")
}

func TestReachabilityFiltering(t *testing.T) {
	h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{} }}
	e := newTestExecutor(h, Options{Prober: fakeProber{reachable: map[string]bool{
		"10.0.0.10": true,
		"10.0.0.20": true,
	}}})

	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "p", InstanceID: 1, PluginDir: pluginDir(t, executor.ShellEntry),
		Config: map[string]any{
			"ssh_ips":           "10.0.0.*",
			"ssh_exception_ips": "10.0.0.200,10.0.0.201",
			"ssh_passwd":        "pw",
		},
	}, messaging.Discard)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Message, "Exécution réussie sur 2/2 machines"))
	assert.Contains(t, res.Message, "252 injoignables")
	assert.Len(t, h.transports, 2)
}

func TestReachabilityUsesSessionPort(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  map[string]any
		want int
	}{
		{"default", map[string]any{}, 22},
		{"custom", map[string]any{"ssh_port": "2222"}, 2222},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var port int
			h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{} }}
			e := newTestExecutor(h, Options{Prober: fakeProber{
				reachable: map[string]bool{"10.0.0.1": true},
				port:      &port,
			}})

			tc.cfg["ssh_ips"] = "10.0.0.1"
			tc.cfg["ssh_passwd"] = "pw"
			res, err := e.Execute(context.Background(), executor.Request{
				PluginID: "p", InstanceID: 1, PluginDir: pluginDir(t, executor.ShellEntry),
				Config: tc.cfg,
			}, messaging.Discard)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tc.want, port)
		})
	}
}

func TestNoTargets(t *testing.T) {
	e := newTestExecutor(&harness{}, Options{})
	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "p", InstanceID: 1,
		Config: map[string]any{"ssh_ips": "10.0.0.1", "ssh_exception_ips": "10.0.0.1"},
	}, messaging.Discard)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestLocalhostUsesLocalExecutor(t *testing.T) {
	local := &fakeLocal{}
	h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{} }}
	e := newTestExecutor(h, Options{Local: local})

	rec := &messaging.Recorder{}
	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "p", InstanceID: 1, PluginDir: pluginDir(t, executor.ShellEntry),
		Config: map[string]any{"ssh_ips": "localhost", "ssh_passwd": "pw"},
	}, rec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), local.calls.Load())
	assert.Empty(t, h.transports)

	infos := rec.OfKind(messaging.KindInfo)
	require.NotEmpty(t, infos)
	assert.Equal(t, "localhost", infos[0].TargetIP)
}

func TestFilesContentInjectedOnceWithoutTouchingCallerConfig(t *testing.T) {
	dir := pluginDir(t, executor.ShellEntry)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disks.yml"), []byte("- sda\n"), 0o644))

	local := &fakeLocal{}
	h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{} }}
	e := newTestExecutor(h, Options{Local: local})

	cfg := map[string]any{
		"ssh_ips":    "localhost,10.0.0.1,10.0.0.2,10.0.0.3",
		"ssh_passwd": "pw",
		"layout":     "disks",
	}
	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "disk", InstanceID: 1, PluginDir: dir,
		Config:       cfg,
		FilesContent: map[string]string{"devices": "{layout}.yml"},
	}, messaging.Discard)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.NotContains(t, cfg, "devices")
	assert.Len(t, cfg, 3)

	require.Len(t, local.reqs, 1)
	assert.Empty(t, local.reqs[0].FilesContent)
	assert.Equal(t, []any{"sda"}, local.reqs[0].Config["devices"])
	assert.Len(t, h.transports, 3)
}

func TestSudoElevation(t *testing.T) {
	h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{} }}
	e := newTestExecutor(h, Options{})

	_, err := e.Execute(context.Background(), executor.Request{
		PluginID: "disk", InstanceID: 1, SSHRoot: true,
		PluginDir: pluginDir(t, executor.ShellEntry),
		Config: map[string]any{
			"ssh_ips":       "10.0.0.5",
			"ssh_user":      "admin",
			"ssh_passwd":    "login",
			"root_password": "toor",
		},
	}, messaging.Discard)
	require.NoError(t, err)

	ft := h.transports["10.0.0.5"]
	require.NotNil(t, ft)
	assert.True(t, ft.ran("sudo -S -p '' bash -c "))
	assert.Equal(t, "toor\n", ft.stdin)
}

func TestPythonPluginGetsConfigFile(t *testing.T) {
	t.Setenv("SUDO_USER", "root")
	h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{} }}
	e := newTestExecutor(h, Options{})

	_, err := e.Execute(context.Background(), executor.Request{
		PluginID: "py", InstanceID: 3, PluginDir: pluginDir(t, executor.PythonEntry),
		Config: map[string]any{"ssh_ips": "10.0.0.7", "ssh_user": "root", "ssh_passwd": "pw"},
	}, messaging.Discard)
	require.NoError(t, err)

	ft := h.transports["10.0.0.7"]
	require.Len(t, ft.files, 1)
	for name, data := range ft.files {
		assert.True(t, strings.HasSuffix(name, "/config.json"))
		assert.Contains(t, string(data), `"ssh_mode":true`)
		assert.Contains(t, string(data), `"instance_id":3`)
	}
	assert.True(t, ft.ran("cd '/tmp/pcutils/py_"))
	found := false
	for _, c := range ft.commands {
		if strings.Contains(c, "'python3' 'exec.py' '-c' 'config.json'") {
			found = true
		}
	}
	assert.True(t, found, "commands: %v", ft.commands)
}

func TestCommandTimeout(t *testing.T) {
	h := &harness{script: func(host string) *fakeTransport { return &fakeTransport{block: true} }}
	e := newTestExecutor(h, Options{})
	e.config.CommandTimeout = 100 * time.Millisecond

	res, err := e.Execute(context.Background(), executor.Request{
		PluginID: "slow", InstanceID: 1, PluginDir: pluginDir(t, executor.ShellEntry),
		Config: map[string]any{"ssh_ips": "10.0.0.9", "ssh_passwd": "pw"},
	}, messaging.Discard)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Hosts, 1)
	assert.Contains(t, res.Hosts[0].Message, "délai")
	assert.True(t, h.transports["10.0.0.9"].closed)
}

func TestChooseElevation(t *testing.T) {
	tests := []struct {
		needsRoot bool
		login     string
		drop      string
		want      Elevation
	}{
		{false, "admin", "alice", ElevateNone},
		{false, "root", "alice", ElevateDrop},
		{false, "root", "root", ElevateNone},
		{true, "admin", "alice", ElevateSudo},
		{true, "root", "alice", ElevateNone},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("root=%v/login=%s", tt.needsRoot, tt.login), func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseElevation(tt.needsRoot, tt.login, tt.drop))
		})
	}
}

func TestWrapCommand(t *testing.T) {
	assert.Equal(t, "cd '/tmp/x' && bash main.sh", WrapCommand("/tmp/x", "bash main.sh", ElevateNone, ""))
	assert.Equal(t, `sudo -S -p '' bash -c 'cd '\''/tmp/x'\'' && cmd'`, WrapCommand("/tmp/x", "cmd", ElevateSudo, ""))
	assert.Contains(t, WrapCommand("/tmp/x", "cmd", ElevateDrop, "alice"), "su 'alice' -s /bin/bash -c")
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
