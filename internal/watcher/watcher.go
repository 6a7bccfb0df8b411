// Package watcher reports file changes below the document root.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Invalidator drops cached state for a changed file.
type Invalidator interface {
	Invalidate(path string)
}

// Watcher recursively watches a directory tree and invalidates every file
// that is written, removed or renamed.
type Watcher struct {
	fs     *fsnotify.Watcher
	target Invalidator
	logger *slog.Logger
}

// New creates a watcher that forwards changes to target.
func New(target Invalidator, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{fs: w, target: target, logger: logger}, nil
}

// Start adds root and all its non-hidden subdirectories, then processes
// events in the background until ctx is cancelled or Close is called.
// Symlinks in root are resolved first so reported paths match the
// resolved paths documents are served from.
func (w *Watcher) Start(ctx context.Context, root string) error {
	root, err := resolveRoot(root)
	if err != nil {
		return err
	}
	if err := w.addTree(root); err != nil {
		return err
	}
	w.logger.Info("Watching document root for changes", slog.String("root", root))

	go w.loop(ctx)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	// New directories are watched as they appear.
	if event.Has(fsnotify.Create) {
		if err := w.addTree(event.Name); err != nil {
			w.logger.Debug("not watching created path",
				slog.String("path", event.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	w.target.Invalidate(event.Name)
	w.logger.Debug("file changed",
		slog.String("path", event.Name),
		slog.String("op", event.Op.String()),
	)
}
