package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"chatcore/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands every
// valid new config to the reload callback. Invalid files are logged and
// ignored so a bad edit never replaces a working config.
type Watcher struct {
	path     string
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	running   bool
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh  chan struct{}
	reloads int
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched because editors
// commonly replace files via rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.close()
		return err
	}
	logging.ConfigInfo("watching %s for changes", w.path)
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and releases the underlying watcher. It is safe
// on a watcher that never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	w.close()
}

func (w *Watcher) close() {
	w.closeOnce.Do(func() {
		if err := w.watcher.Close(); err != nil {
			logging.ConfigWarn("error closing config watcher: %v", err)
		}
	})
}

// Reloads returns how many successful reloads have been applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var pending <-chan time.Time
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
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("config watcher error: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.ConfigWarn("ignoring invalid config change: %v", err)
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	logging.ConfigInfo("config reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
