package callback

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkRunner evaluates .star callback scripts in-process.
type StarlarkRunner struct{}

// NewStarlarkRunner creates a Starlark runtime.
func NewStarlarkRunner() *StarlarkRunner {
	return &StarlarkRunner{}
}

// Call loads the script, picks the function and calls it with the
// request arguments. The thread is cancelled when ctx is done.
func (r *StarlarkRunner) Call(ctx context.Context, req Request) (any, error) {
	src, err := os.ReadFile(req.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	thread := &starlark.Thread{
		Name:  filepath.Base(req.Script),
		Print: func(_ *starlark.Thread, _ string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, req.Script, src, predeclared(filepath.Dir(req.Script)))
	if err != nil {
		return nil, fmt.Errorf("starlark load failed: %w", err)
	}

	fn, err := selectFunction(globals, req.Function)
	if err != nil {
		return nil, err
	}

	args := make(starlark.Tuple, 0, len(req.Args))
	for i, a := range req.Args {
		v, err := toStarlarkValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, v)
	}
	kwargs := make([]starlark.Tuple, 0, len(req.Kwargs))
	for k, a := range req.Kwargs {
		v, err := toStarlarkValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", k, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(k), v})
	}

	result, err := starlark.Call(thread, fn, args, kwargs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("starlark call failed: %w", err)
	}
	return fromStarlarkValue(result)
}

// selectFunction returns the named function, or the first get_* function
// in source order.
func selectFunction(globals starlark.StringDict, name string) (*starlark.Function, error) {
	if name != "" {
		fn, ok := globals[name].(*starlark.Function)
		if !ok {
			return nil, fmt.Errorf("function %q not found", name)
		}
		return fn, nil
	}

	var (
		best     *starlark.Function
		bestLine int32 = math.MaxInt32
	)
	for n, v := range globals {
		fn, ok := v.(*starlark.Function)
		if !ok || !strings.HasPrefix(n, "get_") {
			continue
		}
		if line := fn.Position().Line; line < bestLine {
			best, bestLine = fn, line
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no get_* function found")
	}
	return best, nil
}

func predeclared(scriptDir string) starlark.StringDict {
	return starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"list_dir":   starlark.NewBuiltin("list_dir", builtinListDir(scriptDir)),
		"read_lines": starlark.NewBuiltin("read_lines", builtinReadLines(scriptDir)),
		"exists":     starlark.NewBuiltin("exists", builtinExists(scriptDir)),
	}
}

func scriptRelative(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// builtinListDir lists the entry names of a directory.
func builtinListDir(dir string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(scriptRelative(dir, path))
		if err != nil {
			return starlark.NewList(nil), nil
		}
		list := make([]starlark.Value, 0, len(entries))
		for _, e := range entries {
			list = append(list, starlark.String(e.Name()))
		}
		return starlark.NewList(list), nil
	}
}

// builtinReadLines returns the non-empty lines of a file.
func builtinReadLines(dir string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(scriptRelative(dir, path))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		var list []starlark.Value
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				list = append(list, starlark.String(line))
			}
		}
		return starlark.NewList(list), nil
	}
}

func builtinExists(dir string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		_, err := os.Stat(scriptRelative(dir, path))
		return starlark.Bool(err == nil), nil
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return starlark.String(fmt.Sprint(val)), nil
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Tuples
// become slices so (ok, data) pairs read the same from every runtime.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromIndexable(val)
	case *starlark.List:
		return fromIndexable(val)
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIndexable(seq starlark.Indexable) ([]any, error) {
	list := make([]any, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
