package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher re-loads the config file when it changes on disk and hands the
// fresh Config to a callback. Reloads are debounced so an editor's
// write-rename-chmod burst produces a single reload.
type Watcher struct {
	cli      *CLI
	current  *Config
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a Watcher for the file cfg was loaded from.
func NewWatcher(cli *CLI, cfg *Config, logger *slog.Logger) *Watcher {
	return &Watcher{
		cli:      cli,
		current:  cfg,
		logger:   logger.With("component", "config_watcher"),
		debounce: defaultDebounce,
	}
}

// Reload re-reads the config file and passes the result to apply.
// A failed reload leaves the previous configuration in effect.
func (w *Watcher) Reload(apply func(*Config)) error {
	w.mu.Lock()
	cur := w.current
	w.mu.Unlock()

	next, err := cur.Reread(w.cli)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	apply(next)
	return nil
}

// Watch blocks until ctx is canceled, reloading whenever the config file is
// written, created or renamed into place. It returns nil immediately when the
// configuration did not come from a file.
func (w *Watcher) Watch(ctx context.Context, apply func(*Config)) error {
	path := w.current.FilePath()
	if path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	// Watch the directory: editors and config management replace the file
	// via rename, which drops a watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	w.logger.Info("config watcher started", "path", path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			w.schedule(func() {
				if err := w.Reload(apply); err != nil {
					w.logger.Error("config reload failed", "err", err)
					return
				}
				w.logger.Info("config reloaded", "path", path)
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) schedule(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, fn)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
