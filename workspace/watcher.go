// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the type of filesystem change observed by the watcher.
type EventOp int

const (
	// OpCreate indicates a file or directory was created.
	OpCreate EventOp = iota

	// OpWrite indicates a file was modified.
	OpWrite

	// OpRemove indicates a file was deleted.
	OpRemove

	// OpRename indicates a file was renamed.
	OpRename
)

// String returns the string representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a single observed filesystem change.
type Event struct {
	// Path is the absolute path that changed.
	Path string

	// Op is the kind of change.
	Op EventOp

	// Time is when the change was observed.
	Time time.Time
}

// EventHandler receives debounced event batches.
type EventHandler func(events []Event)

// WatcherOptions configures the workspace watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for further changes before a
	// batch is delivered. Default: 100ms.
	DebounceWindow time.Duration

	// Ignore filters events; nil means nothing is ignored.
	Ignore *IgnoreMatcher

	// BufferSize is the capacity of the internal event channel.
	// Default: 1000.
	BufferSize int
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		BufferSize:     1000,
	}
}

// Watcher watches a workspace tree and delivers debounced change batches.
//
// # Description
//
// Recursively watches the root and all non-ignored subdirectories.
// Raw fsnotify events are filtered through the ignore matcher,
// collected into a buffer, and delivered to the handler once the
// debounce window elapses without further changes. Newly created
// directories are added to the watch set automatically.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is invoked from a single
// goroutine.
type Watcher struct {
	root     string
	inner    *fsnotify.Watcher
	handler  EventHandler
	ignore   *IgnoreMatcher
	debounce time.Duration
	logger   *slog.Logger

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// NewWatcher creates a watcher for the given absolute root directory.
//
// # Inputs
//
//   - root: Absolute path of the directory tree to watch.
//   - handler: Called with each debounced batch. Must be non-nil.
//   - logger: Diagnostic logger (nil discards).
//   - opts: Optional configuration (nil uses defaults).
func NewWatcher(root string, handler EventHandler, logger *slog.Logger, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultWatcherOptions().DebounceWindow
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultWatcherOptions().BufferSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:     root,
		inner:    inner,
		handler:  handler,
		ignore:   opts.Ignore,
		debounce: opts.DebounceWindow,
		logger:   logger,
		events:   make(chan Event, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Both internal goroutines exit when Stop is
// called or the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.inner.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// addRecursive adds a directory and all non-ignored subdirectories.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path, true) {
			return filepath.SkipDir
		}
		return w.inner.Add(path)
	})
}

// ignored reports whether a path is filtered by the ignore matcher.
func (w *Watcher) ignored(path string, isDir bool) bool {
	if w.ignore == nil {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	return w.ignore.Match(rel, isDir)
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.inner.Events:
			if !ok {
				return
			}

			info, statErr := os.Stat(event.Name)
			isDir := statErr == nil && info.IsDir()
			if w.ignored(event.Name, isDir) {
				continue
			}

			select {
			case w.events <- Event{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}:
			default:
				w.logger.Warn("watcher buffer full, dropping event", "path", event.Name)
			}

			// Watch directories as they appear.
			if event.Has(fsnotify.Create) && isDir {
				if err := w.inner.Add(event.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
				}
			}

		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func convertOp(op fsnotify.Op) EventOp {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []Event
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			deduped := dedupe(batch)
			if len(deduped) > 0 {
				w.handler(deduped)
			}
			batch = batch[:0]
		}
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case event := <-w.events:
			batch = append(batch, event)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps only the most recent event per path.
func dedupe(events []Event) []Event {
	latest := make(map[string]int, len(events))
	for i, e := range events {
		latest[e.Path] = i
	}

	out := make([]Event, 0, len(latest))
	for i, e := range events {
		if latest[e.Path] == i {
			out = append(out, e)
		}
	}
	return out
}
