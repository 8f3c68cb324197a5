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
	"sync/atomic"
	"time"
)

// Service holds the active snapshot and performs revision-checked compare-and-swap updates. It is lock-free: readers
// never block and writers only spin when racing on the same revision.
type Service struct {
	current atomic.Pointer[Snapshot]
}

// NewService creates a Service whose revision 0 is seeded from d.
func NewService(d Defaults) *Service {
	s := &Service{}
	initial := d.snapshot()
	s.current.Store(&initial)
	return s
}

// Snapshot returns the active configuration.
func (s *Service) Snapshot() Snapshot {
	return *s.current.Load()
}

// Update installs p on top of the active snapshot if its revision equals expectedRevision. It returns the new snapshot
// or a *RevisionMismatchError.
func (s *Service) Update(expectedRevision int64, p Patch) (Snapshot, error) {
	_, next, err := s.swap(expectedRevision, p)
	return next, err
}

// swap is Update that also returns the snapshot it replaced, so callers can roll back to exactly that value.
func (s *Service) swap(expectedRevision int64, p Patch) (previous, next Snapshot, err error) {
	for {
		cur := s.current.Load()
		if cur.Revision != expectedRevision {
			return Snapshot{}, Snapshot{}, &RevisionMismatchError{Expected: expectedRevision, Actual: cur.Revision}
		}
		candidate := cur.applyPatch(p)
		if s.current.CompareAndSwap(cur, &candidate) {
			return *cur, candidate, nil
		}
		// Lost a race with another writer; the revision check above decides whether to retry or fail.
	}
}

// restore reinstates previous if applied is still the active snapshot. It reports whether the rollback happened; a
// false result means a newer update already superseded the failed one.
func (s *Service) restore(applied, previous Snapshot) bool {
	for {
		cur := s.current.Load()
		if *cur != applied {
			return false
		}
		if s.current.CompareAndSwap(cur, &previous) {
			return true
		}
	}
}

// --- Sync queue accessors, read on every admission decision ---

// SyncQueueEnabled reports whether synchronous invocations go through the sync queue.
func (s *Service) SyncQueueEnabled() bool { return s.current.Load().SyncQueueEnabled }

// SyncQueueAdmissionEnabled reports whether estimated-wait admission control is active.
func (s *Service) SyncQueueAdmissionEnabled() bool { return s.current.Load().SyncQueueAdmissionEnabled }

// SyncQueueMaxEstimatedWait returns the estimated-wait budget for admission.
func (s *Service) SyncQueueMaxEstimatedWait() time.Duration {
	return s.current.Load().SyncQueueMaxEstimatedWait
}

// SyncQueueMaxQueueWait returns the age after which a queued synchronous invocation is evicted.
func (s *Service) SyncQueueMaxQueueWait() time.Duration { return s.current.Load().SyncQueueMaxQueueWait }

// SyncQueueRetryAfterSeconds returns the retry hint surfaced with rejections.
func (s *Service) SyncQueueRetryAfterSeconds() int { return s.current.Load().SyncQueueRetryAfterSeconds }
