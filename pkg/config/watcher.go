// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PathWatcher polls a set of files or directories for modification-time
// changes. It backs both config reload and plugin-manifest hot-reload
// triggers; no inotify dependency, one-second polling is plenty for both.
type PathWatcher struct {
	mu          sync.Mutex
	paths       []string
	interval    time.Duration
	lastModTime map[string]time.Time
	onChange    func(changed []string)
	logger      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// PathWatcherOption configures a PathWatcher.
type PathWatcherOption func(*PathWatcher)

// WithWatchInterval sets the polling interval.
func WithWatchInterval(d time.Duration) PathWatcherOption {
	return func(w *PathWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the watcher logger.
func WithWatchLogger(logger *slog.Logger) PathWatcherOption {
	return func(w *PathWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewPathWatcher watches paths and calls onChange with the files whose
// modification time moved forward. A directory path expands to the files
// directly inside it on every poll, so newly added files are noticed.
func NewPathWatcher(paths []string, onChange func(changed []string), opts ...PathWatcherOption) *PathWatcher {
	w := &PathWatcher{
		paths:       paths,
		interval:    time.Second,
		lastModTime: make(map[string]time.Time),
		onChange:    onChange,
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	// Baseline: existing files do not count as changes.
	for _, file := range w.expand() {
		if info, err := os.Stat(file); err == nil {
			w.lastModTime[file] = info.ModTime()
		}
	}
	return w
}

// Start begins polling until ctx is done or Stop is called.
func (w *PathWatcher) Start(ctx context.Context) {
	go w.watch(ctx)
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *PathWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *PathWatcher) watch(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if changed := w.changedFiles(); len(changed) > 0 {
				w.onChange(changed)
			}
		}
	}
}

func (w *PathWatcher) expand() []string {
	var files []string
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	}
	return files
}

func (w *PathWatcher) changedFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var changed []string
	for _, file := range w.expand() {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		last, seen := w.lastModTime[file]
		if !seen || info.ModTime().After(last) {
			w.lastModTime[file] = info.ModTime()
			changed = append(changed, file)
		}
	}
	return changed
}

// Watcher keeps a Config current as its file changes on disk.
type Watcher struct {
	mu        sync.RWMutex
	path      string
	config    *Config
	listeners []func(*Config)
	pw        *PathWatcher
	logger    *slog.Logger
}

// NewWatcher loads the config at path and watches it for changes.
func NewWatcher(path string, opts ...PathWatcherOption) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, config: cfg}
	w.pw = NewPathWatcher([]string{path}, func([]string) { w.reload() }, opts...)
	w.logger = w.pw.logger
	return w, nil
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) { w.pw.Start(ctx) }

// Stop stops watching.
func (w *Watcher) Stop() { w.pw.Stop() }

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config reloaded", slog.String("path", w.path))
	for _, fn := range listeners {
		fn(cfg)
	}
}
