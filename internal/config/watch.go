package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// debounceWindow coalesces the write bursts editors produce when saving.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands the result to a
// callback. remedyd uses it to hot-reload the approval policy without a
// restart; everything else in the config still requires one.
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	onReload   func(*Config)
	onError    func(error)
	stop       chan struct{}
}

// NewWatcher creates a watcher for the given config file. onReload receives
// every successfully reloaded config; onError receives reload failures and
// may be nil.
func NewWatcher(configPath string, onReload func(*Config), onError func(error)) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required")
	}
	if onReload == nil {
		return nil, errors.New("reload callback is required")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		configPath: configPath,
		watcher:    fw,
		onReload:   onReload,
		onError:    onError,
		stop:       make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic save (write temp, rename over) keeps working.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadWithFile(w.configPath)
	if err != nil {
		// A bad edit keeps the running config; the operator sees the
		// error and fixes the file.
		w.reportError(fmt.Errorf("config reload rejected: %w", err))
		return
	}
	w.onReload(cfg)
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
