// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events editors produce when saving a file.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands each successfully loaded config to
// fn. A file that fails to load is logged and skipped, leaving the previous config in effect. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, overrides Overrides, logger *slog.Logger, fn func(*Config)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer watcher.Close()

	// The directory is watched rather than the file so that atomic replace-on-save is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.LogAttrs(ctx, slog.LevelError, "config watcher error", slog.Any("error", err))
			}

		case <-timer.C:
			cfg, err := Load(path, overrides)
			if err != nil {
				if logger != nil {
					logger.LogAttrs(ctx, slog.LevelWarn, "config reload failed", slog.String("path", path), slog.Any("error", err))
				}
				continue
			}
			if logger != nil {
				logger.LogAttrs(ctx, slog.LevelInfo, "config reloaded", slog.String("path", path))
			}
			fn(cfg)
		}
	}
}
