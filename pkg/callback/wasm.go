package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmRunner runs .wasm callbacks as WASI command modules. The request
// is written to stdin, the result is read from the last stdout line, and
// the plugin folder is mounted read-only at /plugin.
type WasmRunner struct {
	memoryLimitPages uint32

	mu    sync.Mutex
	cache map[string]compiledModule
}

type compiledModule struct {
	modTime time.Time
	runtime wazero.Runtime
	module  wazero.CompiledModule
}

// NewWasmRunner creates a runner. memoryLimitPages caps guest memory in
// 64KB pages and defaults to 256 (16MB).
func NewWasmRunner(memoryLimitPages uint32) *WasmRunner {
	if memoryLimitPages == 0 {
		memoryLimitPages = 256
	}
	return &WasmRunner{
		memoryLimitPages: memoryLimitPages,
		cache:            make(map[string]compiledModule),
	}
}

// Call instantiates the module once per request so state never leaks
// between calls.
func (r *WasmRunner) Call(ctx context.Context, req Request) (any, error) {
	compiled, err := r.compile(ctx, req.Script)
	if err != nil {
		return nil, err
	}

	if req.Args == nil {
		req.Args = []any{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(filepath.Base(req.Script), req.Function).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(filepath.Dir(req.Script), "/plugin"))

	mod, err := compiled.runtime.InstantiateModule(ctx, compiled.module, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if msg := lastLine(stderr.String()); msg != "" {
				return nil, fmt.Errorf("wasm module failed: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("wasm module failed: %w", err)
		}
	}

	return decodeResult(stdout.String())
}

// compile returns the compiled module for path, recompiling when the file
// changed since the last call.
func (r *WasmRunner) compile(ctx context.Context, path string) (compiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return compiledModule{}, fmt.Errorf("failed to stat module: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[path]; ok {
		if c.modTime.Equal(info.ModTime()) {
			return c, nil
		}
		_ = c.runtime.Close(ctx)
		delete(r.cache, path)
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return compiledModule{}, fmt.Errorf("failed to read module: %w", err)
	}

	// Cached runtimes are closed by Close, not by the request context.
	rctx := context.WithoutCancel(ctx)
	runtime := wazero.NewRuntimeWithConfig(rctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(r.memoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(rctx, runtime); err != nil {
		_ = runtime.Close(rctx)
		return compiledModule{}, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	module, err := runtime.CompileModule(rctx, code)
	if err != nil {
		_ = runtime.Close(rctx)
		return compiledModule{}, fmt.Errorf("failed to compile module: %w", err)
	}

	c := compiledModule{modTime: info.ModTime(), runtime: runtime, module: module}
	r.cache[path] = c
	return c, nil
}

// Close releases every cached runtime.
func (r *WasmRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for path, c := range r.cache {
		errs = append(errs, c.runtime.Close(ctx))
		delete(r.cache, path)
	}
	return errors.Join(errs...)
}
