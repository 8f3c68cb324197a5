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
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
)

// Results recorded for every patch attempt.
const (
	resultSuccess          = "success"
	resultRevisionMismatch = "revision_mismatch"
	resultInvalid          = "invalid"
	resultApplyFailed      = "apply_failed"
)

// Consumer adopts a newly installed snapshot. Apply must be idempotent: on rollback the previous snapshot is applied
// again to every consumer that may have observed the failed one.
type Consumer interface {
	Name() string
	Apply(Snapshot) error
}

type consumerFunc struct {
	name string
	fn   func(Snapshot) error
}

func (c consumerFunc) Name() string { return c.name }
func (c consumerFunc) Apply(s Snapshot) error { return c.fn(s) }

// ConsumerFunc adapts a function to the Consumer interface.
func ConsumerFunc(name string, fn func(Snapshot) error) Consumer {
	return consumerFunc{name: name, fn: fn}
}

// RateLimitSetter is the subset of the rate limiter the applier drives.
type RateLimitSetter interface {
	SetMaxPerSecond(int)
	MaxPerSecond() int
}

// RateLimitConsumer pushes the snapshot's rate limit into l.
func RateLimitConsumer(l RateLimitSetter) Consumer {
	return ConsumerFunc("rate-limiter", func(s Snapshot) error {
		l.SetMaxPerSecond(s.RateMaxPerSecond)
		if got := l.MaxPerSecond(); got != s.RateMaxPerSecond {
			return fmt.Errorf("rate limiter reports %d after setting %d", got, s.RateMaxPerSecond)
		}
		return nil
	})
}

// Applier pushes a snapshot to its consumers in registration order.
type Applier struct {
	consumers []Consumer
}

// NewApplier creates an Applier for the given consumers.
func NewApplier(consumers ...Consumer) *Applier {
	return &Applier{consumers: consumers}
}

// Apply pushes next to every consumer. If one fails, previous is re-applied to that consumer and all consumers before
// it, and the returned error wraps ErrApplyFailed together with any rollback failures.
func (a *Applier) Apply(next, previous Snapshot) error {
	for i, c := range a.consumers {
		err := c.Apply(next)
		if err == nil {
			continue
		}
		err = fmt.Errorf("%w: consumer %q: %w", ErrApplyFailed, c.Name(), err)
		for _, applied := range a.consumers[:i+1] {
			if rbErr := applied.Apply(previous); rbErr != nil {
				err = multierr.Append(err, fmt.Errorf("rolling back consumer %q: %w", applied.Name(), rbErr))
			}
		}
		return err
	}
	return nil
}

// Manager runs the full patch protocol: validate, compare-and-swap, apply, and roll back on apply failure.
type Manager struct {
	service *Service
	applier *Applier
	logger  logr.Logger
}

// NewManager creates a Manager and publishes the initial snapshot to the applier's consumers.
func NewManager(service *Service, applier *Applier, logger logr.Logger) (*Manager, error) {
	m := &Manager{service: service, applier: applier, logger: logger.WithName("runtime-config")}
	initial := service.Snapshot()
	if err := applier.Apply(initial, initial); err != nil {
		return nil, err
	}
	m.publish(initial)
	return m, nil
}

// Snapshot returns the active configuration.
func (m *Manager) Snapshot() Snapshot {
	return m.service.Snapshot()
}

// Patch validates p, installs it if expectedRevision is current, and applies it. On success it returns the fully
// resolved new snapshot. Errors wrap exactly one of ErrInvalidPatch, ErrRevisionMismatch or ErrApplyFailed.
func (m *Manager) Patch(expectedRevision int64, p Patch) (Snapshot, error) {
	if err := Validate(p); err != nil {
		metrics.RecordRuntimeConfigUpdate(resultInvalid)
		m.logger.V(logutil.DEFAULT).Info("Rejected invalid runtime config patch", "expectedRevision", expectedRevision,
			"error", err)
		return Snapshot{}, err
	}

	previous, next, err := m.service.swap(expectedRevision, p)
	if err != nil {
		metrics.RecordRuntimeConfigUpdate(resultRevisionMismatch)
		var mismatch *RevisionMismatchError
		if errors.As(err, &mismatch) {
			m.logger.V(logutil.VERBOSE).Info("Runtime config revision mismatch", "expected", mismatch.Expected,
				"actual", mismatch.Actual)
		}
		return Snapshot{}, err
	}

	if err := m.applier.Apply(next, previous); err != nil {
		metrics.RecordRuntimeConfigUpdate(resultApplyFailed)
		if !m.service.restore(next, previous) {
			m.logger.Error(nil, "Runtime config superseded before rollback, leaving newer snapshot in place",
				"failedRevision", next.Revision)
		}
		m.logger.Error(err, "Failed to apply runtime config, rolled back", "failedRevision", next.Revision,
			"restoredRevision", previous.Revision)
		return Snapshot{}, err
	}

	metrics.RecordRuntimeConfigUpdate(resultSuccess)
	m.publish(next)
	m.logger.Info("Applied runtime config", "revision", next.Revision, "snapshot", next)
	return next, nil
}

// ReloadFile re-reads the bootstrap file at path and patches the current revision with its hot-reloadable values.
func (m *Manager) ReloadFile(path string) (Snapshot, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return m.Patch(m.Snapshot().Revision, cfg.Patch())
}

func (m *Manager) publish(s Snapshot) {
	metrics.RecordRuntimeConfigRevision(s.Revision)
	metrics.RecordRateLimit(s.RateMaxPerSecond)
}
