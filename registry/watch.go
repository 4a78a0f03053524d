// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the registry when agent files change on disk. Rapid
// bursts of filesystem events collapse into one reload per debounce
// window.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration
	onReload func(count int, err error)

	mu    sync.Mutex
	timer *time.Timer
}

// WatchOptions tune a Watcher.
type WatchOptions struct {
	Debounce time.Duration
	// OnReload is invoked after each triggered reload, mainly for tests
	// and operator surfaces.
	OnReload func(count int, err error)
}

// Watch starts watching the registry's directory tree. It returns once
// the watcher is installed; reloads happen on a background goroutine
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, opts WatchOptions) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		registry: r,
		watcher:  fsw,
		logger:   r.logger,
		debounce: opts.Debounce,
		onReload: opts.OnReload,
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}

	// Watch the root and every subdirectory; fsnotify is not recursive.
	err = filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch agent directory %s: %w", r.root, err)
	}

	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories need watching too.
			if ev.Op&fsnotify.Create != 0 {
				_ = w.watcher.Add(ev.Name)
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("agent watcher error", zap.Error(err))
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		count, err := w.registry.Reload()
		if err != nil {
			w.logger.Error("agent registry reload failed", zap.Error(err))
		} else {
			w.logger.Info("agent registry reloaded", zap.Int("agents", count))
		}
		if w.onReload != nil {
			w.onReload(count, err)
		}
	})
}
