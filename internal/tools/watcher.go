package tools

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is the delay before reacting to manifest changes, so a
// half-written file is not loaded mid-save.
const watchDebounce = 1500 * time.Millisecond

// PluginWatcher hot-reloads tool plugins when manifests in the plugin
// directory are added, changed, or removed.
type PluginWatcher struct {
	loader *PluginLoader
	dir    string
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]fsnotify.Op // path -> last op
}

// NewPluginWatcher creates a watcher over dir. Call Start to begin.
func NewPluginWatcher(loader *PluginLoader, dir string) (*PluginWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PluginWatcher{
		loader:  loader,
		dir:     dir,
		fsw:     fsw,
		pending: make(map[string]fsnotify.Op),
	}, nil
}

// Start begins watching. Call Stop to clean up.
func (w *PluginWatcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	slog.Info("plugin watcher started", "dir", w.dir)
	return nil
}

// Stop shuts down the watcher and waits for the loop to exit.
func (w *PluginWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.fsw.Close()
	w.wg.Wait()
}

func (w *PluginWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".json" && ext != ".json5" {
				continue
			}
			w.schedule(ctx, ev.Name, ev.Op)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("plugin watcher error", "error", err)
		}
	}
}

func (w *PluginWatcher) schedule(ctx context.Context, path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = op
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() { w.flush(ctx) })
}

func (w *PluginWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path, op := range batch {
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			w.loader.Unload(path)
			slog.Info("tool plugin unloaded", "manifest", path)
		default:
			if err := w.loader.LoadManifest(ctx, path); err != nil {
				slog.Warn("plugin reload failed", "manifest", path, "error", err)
			}
		}
	}
}
