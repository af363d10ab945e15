package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of writes from editors.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path    string
	delay   time.Duration
	reload  func(*Config) error
	logger  *telemetry.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
}

// Watch starts watching path. reload is called with every new config that
// parses and validates; invalid files are logged and skipped so the running
// config stays in effect. The watcher stops when ctx is done or Stop is
// called.
//
// The parent directory is watched rather than the file, so editors that
// replace the file with a rename are still seen.
func Watch(ctx context.Context, path string, reload func(*Config) error, logger *telemetry.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		delay:   DefaultReloadDelay,
		reload:  reload,
		logger:  telemetry.OrNop(logger).NewComponentLogger("config-watcher"),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.processEvents(ctx)

	w.logger.WithField("path", abs).Info("Started watching config")
	return w, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Config file changed")
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		if err := w.triggerReload(); err != nil {
			w.logger.WithError(err).Error("Failed to reload config")
		}
	})
}

func (w *Watcher) triggerReload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.reload(cfg); err != nil {
		return fmt.Errorf("failed to apply reloaded config: %w", err)
	}
	w.logger.Info("Config reloaded")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// Done is closed once the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }
