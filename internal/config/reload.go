package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher holds the live Config behind an atomic pointer, reloading it on
// SIGHUP or on a filesystem change to path (handles editors that
// replace-via-rename, which a plain os.ReadFile poll would miss).
type Watcher struct {
	path string
	log  *zap.Logger

	current atomic.Pointer[Config]
}

// NewWatcher loads path once and returns a Watcher wrapping the result.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the live config. Safe to call concurrently with reloads.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run watches for SIGHUP and filesystem changes until ctx is canceled. A
// failed reload logs and leaves the previous config in place — the
// control plane never crashes on a bad hot-reload.
func (w *Watcher) Run(ctx context.Context) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("config file watcher unavailable, falling back to SIGHUP-only reload", zap.Error(err))
		w.runSighupOnly(ctx, sighup)
		return
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		w.log.Warn("failed to watch config directory, falling back to SIGHUP-only reload",
			zap.String("dir", dir), zap.Error(err))
		w.runSighupOnly(ctx, sighup)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			w.reload("sighup")
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) == filepath.Clean(w.path) {
				w.reload("fsnotify")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) runSighupOnly(ctx context.Context, sighup chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			w.reload("sighup")
		}
	}
}

func (w *Watcher) reload(trigger string) {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config hot-reload failed, retaining previous config",
			zap.String("trigger", trigger), zap.Error(err))
		return
	}
	w.current.Store(cfg)
	w.log.Info("config hot-reload successful", zap.String("trigger", trigger))
}
