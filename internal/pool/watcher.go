package pool

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// scriptExts are the files whose change triggers a worker reload.
var scriptExts = []string{".js", ".mjs", ".cjs"}

// Watcher polls worker scripts and the KaTeX bundle for changes and calls
// onChange so the pool can reload.
type Watcher struct {
	paths    []string
	interval time.Duration
	logger   *slog.Logger
	onChange func()
	ctx      context.Context
	cancel   context.CancelFunc
	mtimes   map[string]time.Time
}

// NewWatcher creates a watcher over paths, each a directory or a single file.
func NewWatcher(paths []string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		paths:    paths,
		interval: interval,
		logger:   logger,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		mtimes:   make(map[string]time.Time),
	}
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	w.mtimes = w.snapshot()

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if w.detectChanges() {
					w.logger.Info("renderer files changed, reloading workers")
					w.onChange()
				}
			case <-w.ctx.Done():
				return
			}
		}
	}()

	w.logger.Info("file watcher started", "paths", w.paths, "interval", w.interval)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.cancel()
}

func (w *Watcher) snapshot() map[string]time.Time {
	files := make(map[string]time.Time)
	for _, root := range w.paths {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				name := d.Name()
				if path != root && (name == "node_modules" || name == ".git") {
					return filepath.SkipDir
				}
				return nil
			}
			// An explicitly named file is watched whatever its extension.
			if path != root && !isScript(path) {
				return nil
			}
			if info, err := d.Info(); err == nil {
				files[path] = info.ModTime()
			}
			return nil
		})
	}
	return files
}

func (w *Watcher) detectChanges() bool {
	current := w.snapshot()
	changed := false

	for path, mtime := range current {
		old, exists := w.mtimes[path]
		switch {
		case !exists:
			w.logger.Debug("new file detected", "path", path)
			changed = true
		case mtime.After(old):
			w.logger.Debug("file changed", "path", path)
			changed = true
		}
	}
	for path := range w.mtimes {
		if _, exists := current[path]; !exists {
			w.logger.Debug("file deleted", "path", path)
			changed = true
		}
	}

	w.mtimes = current
	return changed
}

func isScript(path string) bool {
	return slices.Contains(scriptExts, strings.ToLower(filepath.Ext(path)))
}
