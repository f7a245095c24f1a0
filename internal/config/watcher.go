package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher is a live config snapshot service. Callers re-read the
// snapshot on each use; it is refreshed proactively via fsnotify and
// lazily via a cheap mtime check, so edits take effect without a
// restart. A broken edit keeps the previous snapshot.
type Watcher struct {
	path string

	mu      sync.RWMutex
	cfg     *Config
	version uint64
	modTime time.Time

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher loads the config and starts watching its directory.
// Load errors fall back to defaults so a bad config never blocks
// startup.
func NewWatcher(path string) *Watcher {
	w := &Watcher{path: path, done: make(chan struct{})}

	cfg, err := Load(path)
	if err != nil {
		slog.Error("config load failed, using defaults", "path", path, "error", err)
		cfg = Default()
		cfg.applyEnvOverrides()
	}
	w.cfg = cfg
	w.version = 1
	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, falling back to mtime polling", "error", err)
		return w
	}
	// Watch the directory: editors replace files rather than write
	// in place, which would orphan a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config watch failed", "path", path, "error", err)
		fsw.Close()
		return w
	}
	w.fsw = fsw
	go w.loop()
	return w
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire several events per save; a short settle
			// avoids reading a half-written file.
			time.Sleep(50 * time.Millisecond)
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous snapshot", "path", w.path, "error", err)
		return
	}
	var modTime time.Time
	if info, err := os.Stat(w.path); err == nil {
		modTime = info.ModTime()
	}
	w.mu.Lock()
	w.cfg = cfg
	w.version++
	w.modTime = modTime
	version := w.version
	w.mu.Unlock()
	slog.Info("config reloaded", "path", w.path, "version", version)
}

// Snapshot returns the current config and its version counter. The
// version lets callers cache derived state (compiled policies,
// backend pools) and rebuild only when it changes. An mtime check
// covers environments where fsnotify is unavailable.
func (w *Watcher) Snapshot() (*Config, uint64) {
	w.mu.RLock()
	modTime := w.modTime
	w.mu.RUnlock()

	if info, err := os.Stat(w.path); err == nil && info.ModTime().After(modTime) {
		w.reload()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg, w.version
}

// Close stops the background watcher.
func (w *Watcher) Close() {
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
}
