package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileName is the conventional manifest file name inside a plugin folder.
const FileName = "settings.yml"

type cacheEntry struct {
	modTime  time.Time
	manifest *Manifest
}

// Loader loads manifests from a plugins directory. Successful loads are
// cached by (plugin id, mtime).
type Loader struct {
	pluginsDir string
	logger     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	watcher *fsnotify.Watcher
}

// NewLoader creates a loader rooted at pluginsDir.
func NewLoader(pluginsDir string, logger zerolog.Logger) *Loader {
	return &Loader{
		pluginsDir: filepath.Clean(pluginsDir),
		logger:     logger.With().Str("component", "manifest-loader").Logger(),
		cache:      make(map[string]cacheEntry),
	}
}

// PluginsDir returns the root directory of the loader.
func (l *Loader) PluginsDir() string {
	return l.pluginsDir
}

// Load returns the manifest of pluginID.
func (l *Loader) Load(pluginID string) (*Manifest, error) {
	folder := ResolveFolder(l.pluginsDir, pluginID)
	dir := filepath.Join(l.pluginsDir, folder)
	path := filepath.Join(dir, FileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, &ManifestError{PluginID: pluginID, Path: path, Reason: ReasonMissing, Err: err}
	}

	l.mu.RLock()
	entry, ok := l.cache[pluginID]
	l.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.manifest, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{PluginID: pluginID, Path: path, Reason: ReasonMissing, Err: err}
	}

	m, err := Parse(pluginID, data)
	if err != nil {
		var me *ManifestError
		if errors.As(err, &me) {
			me.Path = path
		}
		return nil, err
	}
	m.Folder = folder
	m.Dir = dir
	m.Path = path
	m.ModTime = info.ModTime()

	l.mu.Lock()
	l.cache[pluginID] = cacheEntry{modTime: info.ModTime(), manifest: m}
	l.mu.Unlock()

	l.logger.Debug().
		Str("plugin", pluginID).
		Str("folder", folder).
		Int("fields", len(m.Fields)).
		Msg("Manifest loaded")

	return m, nil
}

// List returns the ids of every plugin folder holding a manifest.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.pluginsDir, e.Name(), FileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate drops the cached manifest of pluginID.
func (l *Loader) Invalidate(pluginID string) {
	l.mu.Lock()
	delete(l.cache, pluginID)
	l.mu.Unlock()
}

// invalidatePath drops every cache entry loaded from path.
func (l *Loader) invalidatePath(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for id, entry := range l.cache {
		if entry.manifest.Path == filepath.Clean(path) {
			delete(l.cache, id)
			dropped++
		}
	}
	return dropped
}

// Cached returns the number of cached manifests.
func (l *Loader) Cached() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

// Watch invalidates cached manifests as soon as their file changes on
// disk, without waiting for the next mtime check. It returns once the
// watcher is installed; events are processed until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	err = filepath.WalkDir(l.pluginsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.pluginsDir && filepath.Dir(path) != l.pluginsDir {
				return filepath.SkipDir
			}
			if err := watcher.Add(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to walk plugins directory: %w", err)
	}

	go l.processEvents(ctx)
	return nil
}

func (l *Loader) processEvents(ctx context.Context) {
	defer l.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if n := l.invalidatePath(event.Name); n > 0 {
				l.logger.Debug().Str("path", event.Name).Int("entries", n).Msg("Manifest cache invalidated")
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Manifest watcher error")
		}
	}
}
