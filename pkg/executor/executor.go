// Package executor holds what the local and SSH executors share: the
// plugin request, entry point detection, argv construction, files_content
// injection and outcome tracking of a plugin's output stream.
package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pcutils/pcutils/pkg/messaging"
	"github.com/pcutils/pcutils/pkg/schemas"
	"github.com/pcutils/pcutils/pkg/values"
)

// Entry point file names inside a plugin folder.
const (
	ShellEntry  = "main.sh"
	PythonEntry = "exec.py"
)

// ErrNoEntryPoint is returned when a plugin folder has neither main.sh
// nor exec.py.
var ErrNoEntryPoint = errors.New("plugin has no main.sh or exec.py")

// Request describes one plugin instance to run.
type Request struct {
	PluginID    string
	InstanceID  int
	DisplayName string
	// PluginDir is the local plugin folder.
	PluginDir string
	// FilesContent maps config parameters to YAML file path templates
	// relative to the plugin folder.
	FilesContent map[string]string
	// Config is the effective config keyed by variable name.
	Config map[string]any
	// SSHRoot is set when the plugin needs root on remote hosts.
	SSHRoot bool
	// Timeout bounds the run when set.
	Timeout time.Duration
}

// Result is the outcome of running a plugin.
type Result struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Message  string        `json:"message"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	// Hosts holds per-host outcomes of an SSH fan-out.
	Hosts []HostResult `json:"hosts,omitempty"`
}

// HostResult is the outcome of one host of a fan-out.
type HostResult struct {
	Host     string        `json:"host"`
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	// Unreachable is set when the host failed the reachability probe.
	Unreachable bool `json:"unreachable,omitempty"`
}

// EntryKind is the plugin runtime.
type EntryKind int

const (
	EntryShell EntryKind = iota
	EntryPython
)

// EntryPoint is the plugin entry script.
type EntryPoint struct {
	Kind EntryKind
	File string
}

// DetectEntryPoint returns main.sh when present, exec.py otherwise.
func DetectEntryPoint(dir string) (EntryPoint, error) {
	if fileExists(filepath.Join(dir, ShellEntry)) {
		return EntryPoint{Kind: EntryShell, File: ShellEntry}, nil
	}
	if fileExists(filepath.Join(dir, PythonEntry)) {
		return EntryPoint{Kind: EntryPython, File: PythonEntry}, nil
	}
	return EntryPoint{}, fmt.Errorf("%w: %s", ErrNoEntryPoint, dir)
}

// Payload is the JSON document handed to python plugins.
func (r Request) Payload(sshMode bool) map[string]any {
	return map[string]any{
		"plugin_name": r.PluginID,
		"instance_id": r.InstanceID,
		"ssh_mode":    sshMode,
		"config":      r.Config,
	}
}

// EntryArgs returns the arguments following the interpreter and entry
// file. Remote python plugins read their payload from configFile.
func (r Request) EntryArgs(ep EntryPoint, configFile string) ([]string, error) {
	if ep.Kind == EntryShell {
		return []string{r.shellArg("name", "test"), r.shellArg("intensity", "light")}, nil
	}
	if configFile != "" {
		return []string{"-c", configFile}, nil
	}
	payload, err := json.Marshal(r.Payload(false))
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin config: %w", err)
	}
	return []string{string(payload)}, nil
}

// Argv builds the command line of the plugin relative to its folder.
// Shell plugins get "bash main.sh <name> <intensity>", python plugins
// "<python> exec.py <json payload>".
func (r Request) Argv(ep EntryPoint, python string) ([]string, error) {
	args, err := r.EntryArgs(ep, "")
	if err != nil {
		return nil, err
	}
	return append([]string{Interpreter(ep, python), ep.File}, args...), nil
}

// Interpreter returns the program that runs the entry point.
func Interpreter(ep EntryPoint, python string) string {
	if ep.Kind == EntryShell {
		return "bash"
	}
	if python == "" {
		return "python3"
	}
	return python
}

func (r Request) shellArg(key, def string) string {
	if v, ok := r.Config[key]; ok && !values.IsEmpty(v) {
		return values.String(v)
	}
	return def
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// InjectFiles resolves files_content entries and stores the decoded YAML
// documents in a copy of r.Config, so the caller's map is never written.
// An entry whose placeholders cannot all be resolved, or whose file does
// not exist, is skipped with a warning message. r.FilesContent is cleared
// afterwards so that a request is injected at most once.
func InjectFiles(r *Request, sink messaging.Sink) {
	if len(r.FilesContent) == 0 {
		return
	}
	r.Config = values.CopyMap(r.Config)
	if r.Config == nil {
		r.Config = map[string]any{}
	}
	defer func() { r.FilesContent = nil }()
	for param, tmpl := range r.FilesContent {
		var missing []string
		rel := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := r.Config[key]
			if !ok || values.IsEmpty(v) {
				missing = append(missing, key)
				return m
			}
			return values.String(v)
		})
		if len(missing) > 0 {
			sink.Publish(messaging.Warnf(r.PluginID, r.InstanceID,
				"files_content %s: missing variables %s", param, strings.Join(missing, ", ")))
			continue
		}

		path := filepath.Join(r.PluginDir, rel)
		if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(r.PluginDir)+string(os.PathSeparator)) {
			sink.Publish(messaging.Warnf(r.PluginID, r.InstanceID, "files_content %s: %s is outside the plugin folder", param, rel))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			sink.Publish(messaging.Warnf(r.PluginID, r.InstanceID, "files_content %s: %s not found", param, rel))
			continue
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			sink.Publish(messaging.Warnf(r.PluginID, r.InstanceID, "files_content %s: invalid YAML in %s: %v", param, rel, err))
			continue
		}
		r.Config[param] = schemas.Normalize(doc)
	}
}

// Tracker observes a plugin's output and decides whether it failed: any
// error message, a "success": false payload or a stdout line starting
// with "ERROR:" marks the run as failed.
type Tracker struct {
	mu       sync.Mutex
	failed   bool
	reason   string
	lines    []string
	maxLines int

	successMarkers []string
	errorMarkers   []string
	sawSuccess     bool
}

// NewTracker creates a tracker keeping at most maxLines output lines
// (0 means unbounded).
func NewTracker(maxLines int) *Tracker {
	return &Tracker{maxLines: maxLines}
}

// WithMarkers adds raw-text markers: a stdout line containing an error
// marker fails the run, one containing a success marker is remembered.
func (t *Tracker) WithMarkers(success, errs []string) *Tracker {
	t.successMarkers = success
	t.errorMarkers = errs
	return t
}

// SawSuccess reports whether a success marker was seen.
func (t *Tracker) SawSuccess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sawSuccess
}

// Observe records a parsed line.
func (t *Tracker) Observe(msg messaging.Message, raw string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxLines == 0 || len(t.lines) < t.maxLines {
		t.lines = append(t.lines, raw)
	}
	if msg.Stream == messaging.StreamStdout && containsAny(raw, t.successMarkers) {
		t.sawSuccess = true
	}
	if t.failed {
		return
	}
	switch {
	case msg.Failed:
		t.failed, t.reason = true, "plugin reported success: false"
	case msg.Kind == messaging.KindError:
		t.failed, t.reason = true, msg.Content
	case msg.Stream == messaging.StreamStdout && strings.HasPrefix(strings.TrimSpace(raw), "ERROR:"):
		t.failed, t.reason = true, strings.TrimSpace(raw)
	case msg.Stream == messaging.StreamStdout && containsAny(raw, t.errorMarkers):
		t.failed, t.reason = true, strings.TrimSpace(raw)
	}
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// Failed reports whether a failure was seen, and the first reason.
func (t *Tracker) Failed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed, t.reason
}

// Output returns the recorded lines.
func (t *Tracker) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// Pump decodes dec until EOF, tagging and publishing every message.
func Pump(dec *messaging.Decoder, req Request, targetIP string, tracker *Tracker, sink messaging.Sink) error {
	for {
		msg, raw, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		msg = msg.Tag(req.PluginID, req.InstanceID, targetIP)
		tracker.Observe(msg, raw)
		sink.Publish(msg)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
