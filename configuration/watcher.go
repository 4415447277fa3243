package configuration

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the access control section to a callback. Only access control is applied
// live; other sections need a restart.
type Watcher struct {
	path     string
	onReload func(*AccessControlConfig)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	running bool
}

func NewWatcher(path string, onReload func(*AccessControlConfig)) *Watcher {
	return &Watcher{path: path, onReload: onReload}
}

// Start begins watching. The parent directory is watched rather than the
// file itself because editors and config management tools replace files
// with rename, which drops a watch on the file's inode.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	go w.processEvents(ctx)

	slog.Info("watching configuration for access control changes", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	_ = w.watcher.Close()
	w.running = false
}

func (w *Watcher) processEvents(ctx context.Context) {
	// Writers often emit several events per save. Debounce so a single
	// reload sees the finished file.
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
		case <-reloads:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("configuration watcher error", "error", err)
		}
	}
}

// reload parses and validates the file. A broken config keeps the previous
// rules in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("configuration reload rejected", "path", w.path, "error", err)
		return
	}
	slog.Info("access control rules reloaded", "path", w.path, "rules", len(cfg.AccessControl.Rules))
	w.onReload(&cfg.AccessControl)
}
