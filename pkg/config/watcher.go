// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when the config file or its profile
// overlay changes and notifies listeners with the new value.
type Watcher struct {
	mu        sync.RWMutex
	opts      LoadOptions
	files     map[string]bool
	debounce  time.Duration
	config    *Config
	listeners []func(*Config)
	fsw       *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	logger    *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for writes to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads the configuration once and prepares to watch opts.Path.
// The parent directory is watched so editors that replace the file on save
// are handled.
func NewWatcher(opts LoadOptions, wopts ...WatcherOption) (*Watcher, error) {
	cfg, err := LoadWith(opts)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		opts:     opts,
		files:    make(map[string]bool),
		debounce: 250 * time.Millisecond,
		config:   cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range wopts {
		opt(w)
	}
	if opts.Path == "" {
		close(w.doneCh)
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.files[abs] = true
	if opts.Profile != "" {
		w.files[ProfilePath(abs, opts.Profile)] = true
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.fsw = fsw
	return w, nil
}

// OnChange registers a listener called after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start begins watching in the background until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	if w.fsw == nil {
		return
	}
	go w.watch(ctx)
}

// Stop stops the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw == nil {
			return
		}
		_ = w.fsw.Close()
	})
	<-w.doneCh
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadWith(w.opts)
	if err != nil {
		w.logger.Error("failed to reload config", "path", w.opts.Path, "error", err)
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.opts.Path)
	for _, fn := range listeners {
		fn(cfg)
	}
}

// ReloadableConfig is a thread-safe holder for the current Config.
type ReloadableConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewReloadableConfig creates a new reloadable config wrapper.
func NewReloadableConfig(cfg *Config) *ReloadableConfig {
	return &ReloadableConfig{config: cfg}
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Update atomically replaces the configuration.
func (r *ReloadableConfig) Update(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Assistant returns the assistant section.
func (r *ReloadableConfig) Assistant() AssistantConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Assistant
}

// Orchestrator returns the orchestrator section.
func (r *ReloadableConfig) Orchestrator() OrchestratorConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Orchestrator
}

// Log returns the log section.
func (r *ReloadableConfig) Log() LogConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Log
}
