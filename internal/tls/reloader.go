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

package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
)

// debounceDelay wait for events to settle before reloading
const debounceDelay = 250 * time.Millisecond

// CertReloader serves the key pair in a directory holding tls.crt and tls.key, reloading it when the files change.
type CertReloader struct {
	dir  string
	cert atomic.Pointer[tls.Certificate]
}

// NewCertReloader loads the key pair in dir and watches it until ctx is done.
func NewCertReloader(ctx context.Context, dir string) (*CertReloader, error) {
	r := &CertReloader{dir: dir}
	cert, err := r.load()
	if err != nil {
		return nil, err
	}
	r.cert.Store(&cert)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create cert watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	logger := log.FromContext(ctx).WithName("cert-reloader").WithValues("dir", dir)
	traceLogger := logger.V(logutil.TRACE)

	go func() {
		defer w.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case ev := <-w.Events:
				traceLogger.Info("Cert changed", "event", ev)
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					cert, err := r.load()
					if err != nil {
						logger.Error(err, "Failed to reload TLS certificate")
						return
					}
					r.cert.Store(&cert)
					traceLogger.Info("Reloaded TLS certificate")
				})
			case err := <-w.Errors:
				if err != nil {
					logger.Error(err, "Cert watcher failed")
				}
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
	return r, nil
}

func (r *CertReloader) load() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(r.dir, "tls.crt"), filepath.Join(r.dir, "tls.key"))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair from %q: %w", r.dir, err)
	}
	return cert, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}
