package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// pythonShim imports the script as a module and calls the requested
// function, printing the result as one JSON line.
const pythonShim = `import importlib.util, json, sys
req = json.load(sys.stdin)
module_spec = importlib.util.spec_from_file_location("callback", req["script"])
mod = importlib.util.module_from_spec(module_spec)
sys.path.insert(0, __import__("os").path.dirname(req["script"]))
module_spec.loader.exec_module(mod)
name = req.get("function") or next((n for n in vars(mod) if n.startswith("get_") and callable(getattr(mod, n))), None)
if name is None:
    raise SystemExit("no get_* function found")
res = getattr(mod, name)(*req.get("args", []), **req.get("kwargs", {}))
if isinstance(res, tuple):
    res = list(res)
print(json.dumps(res, default=str))
`

// SubprocessRunner runs callbacks out of process. Python scripts are
// loaded through a shim so plain module functions can be called; any
// other script reads the request as JSON on stdin and prints its result
// as the last line of stdout.
type SubprocessRunner struct {
	python string
}

// NewSubprocessRunner creates a runner using python as the interpreter
// for .py scripts. Defaults to python3.
func NewSubprocessRunner(python string) *SubprocessRunner {
	if python == "" {
		python = "python3"
	}
	return &SubprocessRunner{python: python}
}

// Call runs the script and decodes its result.
func (r *SubprocessRunner) Call(ctx context.Context, req Request) (any, error) {
	if req.Args == nil {
		req.Args = []any{}
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string]any{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := r.command(ctx, req)
	cmd.Dir = filepath.Dir(req.Script)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, lastLine(msg))
	}

	return decodeResult(stdout.String())
}

func (r *SubprocessRunner) command(ctx context.Context, req Request) *exec.Cmd {
	switch strings.ToLower(filepath.Ext(req.Script)) {
	case ".py":
		return exec.CommandContext(ctx, r.python, "-c", pythonShim)
	case ".sh":
		cmd := exec.CommandContext(ctx, "bash", req.Script)
		cmd.Env = append(cmd.Environ(), "PCUTILS_CALLBACK_FUNCTION="+req.Function)
		return cmd
	default:
		cmd := exec.CommandContext(ctx, req.Script)
		cmd.Env = append(cmd.Environ(), "PCUTILS_CALLBACK_FUNCTION="+req.Function)
		return cmd
	}
}

// decodeResult parses the last non-empty output line as JSON, falling
// back to the raw text.
func decodeResult(out string) (any, error) {
	line := lastLine(out)
	if line == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return line, nil
	}
	return v, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n \t"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
