// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/infrascope/infrascope/pkg/logger"
)

// DebounceInterval is how long the watcher waits after the last
// filesystem event for a plugin before acting on it. Editors and
// package managers write trees in bursts, so a reload only starts once
// the tree has been quiet for this long.
const DebounceInterval = 500 * time.Millisecond

// Watcher hot-reloads plugins when their directories change on disk.
type Watcher struct {
	loader   *Loader
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher returns a Watcher for the loader's plugin root.
func NewWatcher(loader *Loader) *Watcher {
	return &Watcher{
		loader:   loader,
		debounce: DebounceInterval,
		timers:   map[string]*time.Timer{},
	}
}

// Watch blocks until ctx is done, reloading plugins as their
// directories change. New subdirectories are loaded, removed ones are
// unloaded, and modified ones are re-verified and reloaded.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.loader.Root()); err != nil {
		return err
	}
	// Watch existing plugin trees so edits below the top level are seen.
	_ = filepath.WalkDir(w.loader.Root(), func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = fw.Add(path)
		}
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = fw.Add(event.Name)
				}
			}
			id := w.pluginID(event.Name)
			if id == "" {
				continue
			}
			w.schedule(id)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("plugin watcher error", "error", err)
		}
	}
}

// pluginID maps an event path to the plugin directory name it belongs
// to, or "" for paths outside any plugin.
func (w *Watcher) pluginID(path string) string {
	rel, err := filepath.Rel(w.loader.Root(), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	return parts[0]
}

// schedule (re)arms the debounce timer for a plugin.
func (w *Watcher) schedule(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		w.apply(id)
	})
}

// apply reconciles one plugin with its on-disk state.
func (w *Watcher) apply(id string) {
	dir := filepath.Join(w.loader.Root(), id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := w.loader.Unload(id); err == nil {
			logger.Infow("plugin directory removed, unloaded", "plugin", id)
		}
		return
	}
	if err := w.loader.Reload(id); err != nil {
		logger.Warnw("plugin hot-reload failed", "plugin", id, "error", err)
	}
}

func (w *Watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
