package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent carries a freshly loaded config after config.yaml changed. Err is
// set when the new file could not be loaded; Config then holds the defaults.
type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes and emits an event only when the
// link-relevant settings actually differ.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	last    string
}

func NewWatcher(homeDir string, current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
		last:    current.Fingerprint(),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory so editors that replace the file by rename
// are still seen. The events channel is closed when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(target) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ev fsnotify.Event) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload failed", "path", ev.Name, "error", err)
		w.emit(ReloadEvent{Path: ev.Name, Op: ev.Op, Config: cfg, Err: err})
		return
	}
	fp := cfg.Fingerprint()
	if fp == w.last {
		return
	}
	w.last = fp
	w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", fp)
	w.emit(ReloadEvent{Path: ev.Name, Op: ev.Op, Config: cfg})
}

func (w *Watcher) emit(ev ReloadEvent) {
	select {
	case w.events <- ev:
	default:
	}
}
