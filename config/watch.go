// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long Watch waits for a burst of events to end before
// re-reading; editors write a file in several steps.
const settle = 50 * time.Millisecond

// Watch calls apply with the reloaded configuration each time the file at
// path changes, until ctx is done. Files that fail to load are logged and
// skipped; apply only ever sees valid configurations.
//
// The containing directory is watched rather than the file so that editors
// which replace the file by rename keep being observed.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	slogger().Debug("watching config", "file", abs)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slogger().Warn("config watch error", "err", err)

		case <-fire:
			fire = nil
			c, err := Load(abs)
			if err != nil {
				slogger().Warn("config reload failed", "err", err)
				continue
			}
			slogger().Info("config reloaded", "file", abs)
			apply(c)
		}
	}
}
