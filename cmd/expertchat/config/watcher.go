// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Live holds the current Config for readers on any goroutine.
type Live struct {
	cur atomic.Pointer[Config]
}

// NewLive creates a Live holding cfg.
func NewLive(cfg Config) *Live {
	l := &Live{}
	l.Store(cfg)
	return l
}

// Get returns the current Config.
func (l *Live) Get() Config { return *l.cur.Load() }

// Store replaces the current Config.
func (l *Live) Store(cfg Config) { l.cur.Store(&cfg) }

// Watcher reloads a config file when it changes.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by rename are seen. Events are debounced. A file that fails to
// parse or validate is logged and skipped; the previous config stays in
// effect.
//
// # Thread Safety
//
// onChange is called from the Run goroutine only.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Config)
	fsw      *fsnotify.Watcher
}

// NewWatcher starts watching path. Call Run to process events.
func NewWatcher(path string, debounce time.Duration, onChange func(Config)) (*Watcher, error) {
	if onChange == nil {
		panic("NewWatcher: onChange must not be nil")
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{path: abs, debounce: debounce, onChange: onChange, fsw: fsw}, nil
}

// Run processes file events until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("Config reload: read failed", "path", w.path, "error", err)
		return
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		slog.Warn("Config reload: keeping previous config", "path", w.path, "error", err)
		return
	}
	slog.Info("Config reloaded", "path", w.path)
	w.onChange(cfg)
}
