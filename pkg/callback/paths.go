package callback

import (
	"path/filepath"
	"strings"

	"github.com/pcutils/pcutils/pkg/manifest"
)

// Paths locates callback scripts.
type Paths struct {
	// BaseDir is the application root; "@[dir]" paths resolve under it.
	BaseDir string
	// PluginsDir holds the plugin folders.
	PluginsDir string
	// ScriptsDir holds scripts shared by every plugin (global: true).
	ScriptsDir string
}

// Resolve returns the script path of cb for a plugin folder:
//
//	path: "@[dir]"  -> {BaseDir}/dir/{script}
//	path: relative  -> {PluginsDir}/{folder}/{path}/{script}
//	path: absolute  -> {path}/{script}
//	global: true    -> {ScriptsDir}/{script}
//	otherwise       -> {PluginsDir}/{folder}/{script}
func (p Paths) Resolve(pluginFolder string, cb *manifest.Callback) string {
	script := cb.Script
	if cb.Path != "" {
		path := cb.Path
		if strings.HasPrefix(path, "@[") && strings.HasSuffix(path, "]") {
			return filepath.Join(p.BaseDir, path[2:len(path)-1], script)
		}
		if filepath.IsAbs(path) {
			return filepath.Join(path, script)
		}
		return filepath.Join(p.PluginsDir, pluginFolder, path, script)
	}
	if cb.Global {
		return filepath.Join(p.ScriptsDir, script)
	}
	return filepath.Join(p.PluginsDir, pluginFolder, script)
}
