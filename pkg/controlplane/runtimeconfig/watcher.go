/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runtimeconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
)

// debounceDelay lets a burst of write events settle before the file is reloaded.
const debounceDelay = 250 * time.Millisecond

// WatchFile reloads the bootstrap file at path into m whenever it changes, until ctx is done. The parent directory is
// watched so that atomic renames, as done for mounted ConfigMaps, are seen. A reload that fails validation or apply
// is logged and leaves the active snapshot untouched.
func WatchFile(ctx context.Context, m *Manager, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	logger := log.FromContext(ctx).WithName("config-watcher").WithValues("path", path)
	traceLogger := logger.V(logutil.TRACE)

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	go func() {
		defer w.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case ev := <-w.Events:
				traceLogger.Info("Config directory changed", "event", ev)
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					snap, err := m.ReloadFile(path)
					if err != nil {
						logger.Error(err, "Failed to reload config file")
						return
					}
					logger.Info("Reloaded config file", "revision", snap.Revision)
				})

			case err := <-w.Errors:
				if err != nil {
					logger.Error(err, "Config watcher failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
