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

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
)

// DefaultSweepInterval is how often the async source visits every function regardless of work signals.
const DefaultSweepInterval = 100 * time.Millisecond

// AsyncSource claims at most one task per function per tick from the per-function queues. It visits the functions
// signaled by the queue.Manager since the previous tick, plus every function on a periodic sweep so that a lost
// signal only delays work.
type AsyncSource struct {
	queues        *queue.Manager
	sweepInterval time.Duration
	notify        chan struct{}

	mu        sync.Mutex
	active    map[string]struct{}
	lastSweep time.Time
}

var _ queue.WorkSignaler = &AsyncSource{}

// NewAsyncSource creates a source over queues and installs it as their work signaler.
func NewAsyncSource(queues *queue.Manager, sweepInterval time.Duration) *AsyncSource {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	s := &AsyncSource{
		queues:        queues,
		sweepInterval: sweepInterval,
		notify:        make(chan struct{}, 1),
		active:        make(map[string]struct{}),
	}
	queues.SetWorkSignaler(s)
	return s
}

// SignalWork marks function as having dispatchable work and wakes the loop.
func (s *AsyncSource) SignalWork(function string) {
	s.mu.Lock()
	s.active[function] = struct{}{}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Claim implements WorkSource.
func (s *AsyncSource) Claim(now time.Time) []Claim {
	s.mu.Lock()
	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	clear(s.active)
	sweep := now.Sub(s.lastSweep) >= s.sweepInterval
	if sweep {
		s.lastSweep = now
	}
	s.mu.Unlock()

	if sweep {
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			seen[name] = struct{}{}
		}
		s.queues.ForEach(func(st *queue.FunctionQueueState) bool {
			if _, ok := seen[st.Name()]; !ok && st.Queued() > 0 {
				names = append(names, st.Name())
			}
			return true
		})
	}

	var claims []Claim
	for _, name := range names {
		st := s.queues.Get(name)
		if st == nil || !st.TryAcquireSlot() {
			continue
		}
		task := st.Poll()
		if task == nil {
			st.ReleaseSlot()
			continue
		}
		claims = append(claims, Claim{Task: task, Release: func() { s.queues.ReleaseSlot(name) }})
		if st.Queued() > 0 {
			s.mu.Lock()
			s.active[name] = struct{}{}
			s.mu.Unlock()
		}
	}
	return claims
}

// Wait implements WorkSource.
func (s *AsyncSource) Wait(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	pending := len(s.active) > 0
	s.mu.Unlock()
	if pending {
		sleep(ctx, timeout)
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// NewAsync creates the poller of the asynchronous path.
func NewAsync(queues *queue.Manager, dispatch DispatchFunc, logger logr.Logger, opts ...Option) *Poller {
	return NewPoller("async-scheduler", NewAsyncSource(queues, DefaultSweepInterval), dispatch, logger, opts...)
}
