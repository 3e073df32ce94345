// Package callback runs the plugin-provided scripts behind dynamic
// defaults and dynamic options.
//
// Three runtimes are available and chosen by the script extension:
//
//   - .star: evaluated in-process with Starlark
//   - .wasm: a WASI command module run in a wazero sandbox, reading the
//     request as JSON on stdin and writing the result as JSON on stdout
//   - anything else: an out-of-process script (python, bash or an
//     executable) speaking the same JSON request/response protocol
//
// Whatever the runtime, a result is interpreted with the same conventions:
// a two-element (ok, data) pair, a dict, or any other value.
package callback

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pcutils/pcutils/pkg/manifest"
)

// Request is one invocation of a callback function.
type Request struct {
	// Script is the resolved path of the script.
	Script string `json:"script"`
	// Function is the function to call. When empty the first top-level
	// function whose name starts with "get_" is used.
	Function string         `json:"function,omitempty"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
}

// Runner executes callback requests.
type Runner interface {
	Call(ctx context.Context, req Request) (any, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Timeout bounds each call. Defaults to 10s.
	Timeout time.Duration
	// Python is the interpreter used for .py scripts.
	Python string
	// Paths locates scripts on disk.
	Paths Paths
}

// Dispatcher routes requests to the runtime matching the script type.
type Dispatcher struct {
	paths      Paths
	timeout    time.Duration
	subprocess Runner
	starlark   Runner
	wasm       *WasmRunner
}

// NewDispatcher creates a dispatcher with the three built-in runtimes.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		paths:      opts.Paths,
		timeout:    opts.Timeout,
		subprocess: NewSubprocessRunner(opts.Python),
		starlark:   NewStarlarkRunner(),
		wasm:       NewWasmRunner(0),
	}
}

// Close releases the resources held by the runtimes.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.wasm.Close(ctx)
}

// Paths returns the script locations used by the dispatcher.
func (d *Dispatcher) Paths() Paths {
	return d.paths
}

// Call runs req with the runtime matching its extension.
func (d *Dispatcher) Call(ctx context.Context, req Request) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var runner Runner = d.subprocess
	switch strings.ToLower(filepath.Ext(req.Script)) {
	case ".star":
		runner = d.starlark
	case ".wasm":
		runner = d.wasm
	}

	start := time.Now()
	result, err := runner.Call(ctx, req)
	log.Debug().
		Str("script", req.Script).
		Str("function", req.Function).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("callback executed")
	if err != nil {
		return nil, fmt.Errorf("callback %s: %w", filepath.Base(req.Script), err)
	}
	return result, nil
}

// Invoke resolves cb for the plugin folder, binds its arguments using
// lookup and runs it.
func (d *Dispatcher) Invoke(ctx context.Context, pluginFolder string, cb *manifest.Callback, lookup func(fieldID string) any) (any, error) {
	args, kwargs := BindArgs(cb, lookup)
	return d.Call(ctx, Request{
		Script:   d.paths.Resolve(pluginFolder, cb),
		Function: cb.Function,
		Args:     args,
		Kwargs:   kwargs,
	})
}

// BindArgs resolves callback arguments. Arguments carrying a param_name
// are passed by name, the others positionally.
func BindArgs(cb *manifest.Callback, lookup func(fieldID string) any) ([]any, map[string]any) {
	args := make([]any, 0, len(cb.Args))
	kwargs := make(map[string]any)
	for _, a := range cb.Args {
		var v any
		if a.Field != "" {
			if lookup != nil {
				v = lookup(a.Field)
			}
		} else {
			v = a.Value
		}
		if a.ParamName != "" {
			kwargs[a.ParamName] = v
		} else {
			args = append(args, v)
		}
	}
	return args, kwargs
}
