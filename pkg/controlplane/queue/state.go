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

package queue

import (
	"sync"
	"sync/atomic"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// FunctionQueueState is the bounded queue and slot counter of one function.
//
// Invariant: 0 <= InFlight() <= EffectiveConcurrency() at every instant observed through TryAcquireSlot. Lowering the
// effective limit below the current in-flight count is allowed; new acquisitions then fail until in-flight drains.
type FunctionQueueState struct {
	name  string
	tasks chan *types.InvocationTask

	inFlight   atomic.Int64
	effective  atomic.Int64
	configured atomic.Int64

	// mu serializes reconfiguration of the limits and the concurrency-controller metadata.
	mu                   sync.Mutex
	controlMode          types.ConcurrencyControlMode
	targetInFlightPerPod int
}

// NewFunctionQueueState creates the state for spec. The queue capacity is fixed for the lifetime of the state.
func NewFunctionQueueState(spec types.FunctionSpec) *FunctionQueueState {
	s := &FunctionQueueState{
		name:        spec.Name,
		tasks:       make(chan *types.InvocationTask, spec.QueueCapacity()),
		controlMode: spec.ConcurrencyMode(),
	}
	if spec.Scaling != nil && spec.Scaling.ConcurrencyControl != nil {
		s.targetInFlightPerPod = spec.Scaling.ConcurrencyControl.TargetInFlightPerPod
	}
	limit := int64(spec.ConcurrencyLimit())
	s.configured.Store(limit)
	s.effective.Store(limit)
	return s
}

// Name returns the function name.
func (s *FunctionQueueState) Name() string { return s.name }

// Offer appends task to the queue. It returns false without blocking if the queue is full.
func (s *FunctionQueueState) Offer(task *types.InvocationTask) bool {
	select {
	case s.tasks <- task:
		return true
	default:
		return false
	}
}

// Poll removes and returns the head of the queue, or nil if the queue is empty.
func (s *FunctionQueueState) Poll() *types.InvocationTask {
	select {
	case task := <-s.tasks:
		return task
	default:
		return nil
	}
}

// TryAcquireSlot claims one in-flight slot if fewer than EffectiveConcurrency are held.
func (s *FunctionQueueState) TryAcquireSlot() bool {
	for {
		cur := s.inFlight.Load()
		if cur >= s.effective.Load() {
			return false
		}
		if s.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseSlot returns one slot. Releasing with no slot held is a no-op and reports false, so an accidental double
// release can never drive the counter negative.
func (s *FunctionQueueState) ReleaseSlot() bool {
	for {
		cur := s.inFlight.Load()
		if cur <= 0 {
			return false
		}
		if s.inFlight.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// SetConcurrency changes the configured limit, never below one. The effective limit follows the configured one only if
// it was tracking it; an externally imposed throttle is kept, and clamped down if it now exceeds the new limit.
func (s *FunctionQueueState) SetConcurrency(n int) {
	limit := int64(max(1, n))
	s.mu.Lock()
	defer s.mu.Unlock()

	prevConfigured := s.configured.Load()
	s.configured.Store(limit)
	if eff := s.effective.Load(); eff == prevConfigured || eff > limit {
		s.effective.Store(limit)
	}
}

// SetEffectiveConcurrency throttles the function to n slots, clamped to [1, ConfiguredConcurrency].
func (s *FunctionQueueState) SetEffectiveConcurrency(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effective.Store(min(max(1, int64(n)), s.configured.Load()))
}

// SetConcurrencyController records the controller mode and per-pod target reported by an autoscaling controller.
func (s *FunctionQueueState) SetConcurrencyController(mode types.ConcurrencyControlMode, targetInFlightPerPod int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlMode = mode
	s.targetInFlightPerPod = max(0, targetInFlightPerPod)
}

// ConcurrencyController returns the controller mode and per-pod target.
func (s *FunctionQueueState) ConcurrencyController() (types.ConcurrencyControlMode, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlMode, s.targetInFlightPerPod
}

// InFlight returns the number of held slots.
func (s *FunctionQueueState) InFlight() int { return int(s.inFlight.Load()) }

// Queued returns the number of pending tasks.
func (s *FunctionQueueState) Queued() int { return len(s.tasks) }

// Capacity returns the maximum number of pending tasks.
func (s *FunctionQueueState) Capacity() int { return cap(s.tasks) }

// ConfiguredConcurrency returns the statically configured limit.
func (s *FunctionQueueState) ConfiguredConcurrency() int { return int(s.configured.Load()) }

// EffectiveConcurrency returns the currently enforced limit.
func (s *FunctionQueueState) EffectiveConcurrency() int { return int(s.effective.Load()) }
