package manifest

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveFolder maps a plugin id to its folder name under pluginsDir.
// The base name is made of the first two underscore-separated parts of
// the id; a "{base}_test" sibling wins over the base folder. When neither
// exists the id itself is tried, then its first part.
func ResolveFolder(pluginsDir, pluginID string) string {
	parts := strings.Split(pluginID, "_")
	if len(parts) < 2 {
		return pluginID
	}

	base := parts[0] + "_" + parts[1]
	if test := base + "_test"; isDir(filepath.Join(pluginsDir, test)) {
		return test
	}
	if isDir(filepath.Join(pluginsDir, base)) {
		return base
	}
	if isDir(filepath.Join(pluginsDir, pluginID)) {
		return pluginID
	}
	if isDir(filepath.Join(pluginsDir, parts[0])) {
		return parts[0]
	}
	return pluginID
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
