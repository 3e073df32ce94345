package callback

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModule assembles a WASI command module whose _start writes stdout
// with a single fd_write call.
func echoModule(stdout string) []byte {
	leb := func(n int) []byte {
		var out []byte
		for {
			b := byte(n & 0x7f)
			n >>= 7
			if n == 0 {
				return append(out, b)
			}
			out = append(out, b|0x80)
		}
	}
	vec := func(items ...[]byte) []byte {
		out := leb(len(items))
		for _, it := range items {
			out = append(out, it...)
		}
		return out
	}
	name := func(s string) []byte { return append(leb(len(s)), s...) }
	section := func(id byte, body []byte) []byte {
		return append(append([]byte{id}, leb(len(body))...), body...)
	}
	cat := func(parts ...[]byte) []byte {
		var out []byte
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	}

	i32 := []byte{0x7f}
	types := vec(
		cat([]byte{0x60}, vec(i32, i32, i32, i32), vec(i32)),
		[]byte{0x60, 0x00, 0x00},
	)
	imports := vec(cat(name("wasi_snapshot_preview1"), name("fd_write"), []byte{0x00, 0x00}))
	funcs := vec([]byte{0x01})
	memory := vec([]byte{0x00, 0x01})
	exports := vec(
		cat(name("memory"), []byte{0x02, 0x00}),
		cat(name("_start"), []byte{0x00, 0x01}),
	)
	// fd_write(1, iovs=0, iovs_len=1, nwritten=8); drop
	body := []byte{0x00, 0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a, 0x0b}
	code := vec(append(leb(len(body)), body...))

	seg := make([]byte, 16, 16+len(stdout))
	binary.LittleEndian.PutUint32(seg[0:], 16)
	binary.LittleEndian.PutUint32(seg[4:], uint32(len(stdout)))
	seg = append(seg, stdout...)
	data := vec(cat([]byte{0x00, 0x41, 0x00, 0x0b}, leb(len(seg)), seg))

	return cat(
		[]byte("\x00asm\x01\x00\x00\x00"),
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(7, exports),
		section(10, code),
		section(11, data),
	)
}

func writeModule(t *testing.T, path, stdout string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, echoModule(stdout), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestWasmRunnerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "get_disks.wasm")
	writeModule(t, path, "starting\n[\"sda\", \"sdb\"]\n", time.Now())

	r := NewWasmRunner(0)
	defer r.Close(context.Background())

	got, err := r.Call(context.Background(), Request{Script: path, Function: "get_disks"})
	require.NoError(t, err)
	assert.Equal(t, []any{"sda", "sdb"}, got)
}

func TestWasmRunnerRecompilesChangedModule(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "get.wasm")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeModule(t, path, `{"value": "v1"}`+"\n", old)

	r := NewWasmRunner(0)
	defer r.Close(ctx)

	got, err := r.Call(ctx, Request{Script: path})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "v1"}, got)

	// Same mtime: the cached compilation is reused.
	writeModule(t, path, `{"value": "v2"}`+"\n", old)
	got, err = r.Call(ctx, Request{Script: path})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "v1"}, got)

	writeModule(t, path, `{"value": "v2"}`+"\n", old.Add(time.Minute))
	got, err = r.Call(ctx, Request{Script: path})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "v2"}, got)
	assert.Len(t, r.cache, 1)
}

func TestWasmRunnerErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := NewWasmRunner(0)
	defer r.Close(ctx)

	_, err := r.Call(ctx, Request{Script: filepath.Join(dir, "missing.wasm")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat module")

	bad := filepath.Join(dir, "bad.wasm")
	require.NoError(t, os.WriteFile(bad, []byte("not wasm"), 0o644))
	_, err = r.Call(ctx, Request{Script: bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile module")
	assert.Empty(t, r.cache)
}

func TestWasmRunnerClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "get.wasm")
	writeModule(t, path, "ok\n", time.Now())

	r := NewWasmRunner(0)
	_, err := r.Call(ctx, Request{Script: path})
	require.NoError(t, err)
	require.Len(t, r.cache, 1)

	require.NoError(t, r.Close(ctx))
	assert.Empty(t, r.cache)

	got, err := r.Call(ctx, Request{Script: path})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	require.NoError(t, r.Close(ctx))
}
