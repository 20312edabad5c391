package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the event bursts editors emit on save.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the configuration when its file changes and delivers the
// result on Changes.
type Watcher struct {
	path    string
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	changes chan *Config

	mu      sync.Mutex
	pending *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts watching the config file at path. The parent directory is
// watched rather than the file itself because editors typically replace the
// file on save. Close the returned Watcher to stop.
func Watch(ctx context.Context, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:    abs,
		logger:  logger,
		fsw:     fsw,
		changes: make(chan *Config, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// Changes delivers each successfully reloaded configuration.
func (w *Watcher) Changes() <-chan *Config {
	return w.changes
}

// Close stops the watcher and releases the underlying notifier.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(watchDebounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload(ctx)
	})
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload skipped", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload invalid", "path", w.path, "error", err)
		return
	}

	select {
	case w.changes <- cfg:
	case <-ctx.Done():
	default:
		// Drop the stale pending config and queue the fresh one.
		select {
		case <-w.changes:
		default:
		}
		select {
		case w.changes <- cfg:
		default:
		}
	}
	w.logger.Info("config reloaded", "path", w.path)
}
