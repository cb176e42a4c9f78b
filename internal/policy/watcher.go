// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
	"github.com/fsnotify/fsnotify"
)

// Watcher is a Policy backed by a rule file that is reloaded when the file
// changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by rename-and-replace keep triggering reloads. Each reload compiles
// the whole file first and swaps it in atomically; a file that fails to
// compile is logged and the previous rule set stays in force.
//
// # Thread Safety
//
// Evaluate is safe to call concurrently with reloads.
type Watcher struct {
	path    string
	current atomic.Pointer[RuleSet]
	fsw     *fsnotify.Watcher
	logger  *logging.Logger
	onLoad  func(err error)

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for reload events.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithReloadHook calls fn after every reload attempt with its error, nil on
// success.
func WithReloadHook(fn func(err error)) WatcherOption {
	return func(w *Watcher) { w.onLoad = fn }
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed. Call Close to stop watching.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rule file path: %w", err)
	}

	w := &Watcher{path: abs, done: make(chan struct{})}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrNop(w.logger)

	rs, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	w.current.Store(rs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

// Evaluate applies the current rule set.
func (w *Watcher) Evaluate(text string) Verdict {
	return w.current.Load().Evaluate(text)
}

// Current returns the rule set in force.
func (w *Watcher) Current() *RuleSet {
	return w.current.Load()
}

// Path is the watched rule file.
func (w *Watcher) Path() string { return w.path }

// Reload recompiles the rule file now. On error the previous set is kept.
func (w *Watcher) Reload() error {
	rs, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous rules", "path", w.path, "error", err)
	} else {
		w.current.Store(rs)
		w.logger.Info("policy rules reloaded", "path", w.path, "rules", len(rs.rules))
	}
	if w.onLoad != nil {
		w.onLoad(err)
	}
	return err
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = w.Reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("policy file watcher error", "error", err)
			}
		}
	}
}

var _ Policy = (*Watcher)(nil)
