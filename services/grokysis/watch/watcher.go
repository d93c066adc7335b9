// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-runs a callback when a single file changes on disk.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit per save.
const DefaultDebounce = 150 * time.Millisecond

// ErrNoHandler is returned by New without a handler.
var ErrNoHandler = errors.New("watch: nil handler")

// Handler receives the watched path after a debounced change.
type Handler func(ctx context.Context, path string)

// Options configures a FileWatcher.
type Options struct {
	// Debounce is the quiet window before the handler runs.
	// Default: DefaultDebounce
	Debounce time.Duration

	Logger *slog.Logger
}

// FileWatcher watches one file.
//
// Description:
//
//	The parent directory is watched rather than the file itself, so the
//	watch survives editors that save by rename. Events for other files in
//	the directory are ignored. The handler runs on the watcher goroutine,
//	never concurrently with itself.
//
// Thread Safety:
//
//	Start and Stop are safe to call from any goroutine.
type FileWatcher struct {
	path     string
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for path. Call Start to begin watching.
func New(path string, handler Handler, opts Options) (*FileWatcher, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		path:     abs,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   logger.With("component", "watch", "path", abs),
		watcher:  w,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Path returns the absolute watched path.
func (w *FileWatcher) Path() string { return w.path }

// Start begins watching. The loop ends when ctx is done or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop ends the watch and waits for the loop to exit. It must follow a
// successful Start.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	<-w.stopped
}

func (w *FileWatcher) loop(ctx context.Context) {
	defer close(w.stopped)

	var timerC <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.handler(ctx, w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}
