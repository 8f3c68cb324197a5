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

	"github.com/go-logr/logr"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// WorkSignaler is notified when a function may have dispatchable work.
type WorkSignaler interface {
	SignalWork(functionName string)
}

// signalerBox lets an interface value be stored in an atomic.Pointer.
type signalerBox struct {
	WorkSignaler
}

// Manager owns the FunctionQueueState of every registered function. All methods are safe for concurrent use. Methods
// addressing an unknown function are no-ops that report failure.
type Manager struct {
	queues   sync.Map // string -> *FunctionQueueState
	signaler atomic.Pointer[signalerBox]
	logger   logr.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger logr.Logger) *Manager {
	return &Manager{logger: logger.WithName("queue-manager")}
}

// SetWorkSignaler installs the signaler notified on enqueue and on releases that leave work queued. Passing nil
// disables signaling.
func (m *Manager) SetWorkSignaler(s WorkSignaler) {
	if s == nil {
		m.signaler.Store(nil)
		return
	}
	m.signaler.Store(&signalerBox{WorkSignaler: s})
}

func (m *Manager) signal(functionName string) {
	if box := m.signaler.Load(); box != nil {
		box.SignalWork(functionName)
	}
}

// GetOrCreate returns the state for spec.Name, creating it on first registration. For an existing function the
// concurrency limit and controller metadata are updated in place and the queue is kept.
func (m *Manager) GetOrCreate(spec types.FunctionSpec) *FunctionQueueState {
	if v, ok := m.queues.Load(spec.Name); ok {
		return m.update(v.(*FunctionQueueState), spec)
	}
	v, loaded := m.queues.LoadOrStore(spec.Name, NewFunctionQueueState(spec))
	state := v.(*FunctionQueueState)
	if loaded {
		return m.update(state, spec)
	}
	m.logger.V(logutil.DEFAULT).Info("Created function queue", "function", spec.Name, "capacity", state.Capacity(),
		"concurrency", state.ConfiguredConcurrency())
	return state
}

func (m *Manager) update(state *FunctionQueueState, spec types.FunctionSpec) *FunctionQueueState {
	state.SetConcurrency(spec.ConcurrencyLimit())
	target := 0
	if spec.Scaling != nil && spec.Scaling.ConcurrencyControl != nil {
		target = spec.Scaling.ConcurrencyControl.TargetInFlightPerPod
	}
	state.SetConcurrencyController(spec.ConcurrencyMode(), target)
	if spec.QueueCapacity() != state.Capacity() {
		m.logger.Info("Queue size change ignored for existing function queue", "function", spec.Name,
			"capacity", state.Capacity(), "requested", spec.QueueCapacity())
	}
	m.logger.V(logutil.VERBOSE).Info("Updated function queue", "function", spec.Name,
		"configured", state.ConfiguredConcurrency(), "effective", state.EffectiveConcurrency())
	return state
}

// Get returns the state for name, or nil.
func (m *Manager) Get(name string) *FunctionQueueState {
	if v, ok := m.queues.Load(name); ok {
		return v.(*FunctionQueueState)
	}
	return nil
}

// Remove deletes the state for name and its per-function metric series. It returns the removed state, whose queue
// may still hold tasks the caller should fail, or nil if the function was unknown.
func (m *Manager) Remove(name string) *FunctionQueueState {
	v, ok := m.queues.LoadAndDelete(name)
	if !ok {
		return nil
	}
	metrics.DeleteFunction(name)
	state := v.(*FunctionQueueState)
	m.logger.V(logutil.DEFAULT).Info("Removed function queue", "function", name, "pending", state.Queued(),
		"inFlight", state.InFlight())
	return state
}

// Enqueue appends task to its function's queue. It returns false if the function is unknown or its queue is full;
// callers must surface false as backpressure.
func (m *Manager) Enqueue(task *types.InvocationTask) bool {
	state := m.Get(task.FunctionName)
	if state == nil {
		m.logger.V(logutil.VERBOSE).Info("Enqueue for unknown function", "function", task.FunctionName,
			"executionID", task.ExecutionID)
		return false
	}
	if !state.Offer(task) {
		metrics.RecordQueueRejected(task.FunctionName)
		m.logger.V(logutil.DEBUG).Info("Function queue full", "function", task.FunctionName,
			"executionID", task.ExecutionID, "capacity", state.Capacity())
		return false
	}
	m.signal(task.FunctionName)
	return true
}

// TryAcquireSlot claims a dispatch slot for name.
func (m *Manager) TryAcquireSlot(name string) bool {
	state := m.Get(name)
	return state != nil && state.TryAcquireSlot()
}

// ReleaseSlot returns a dispatch slot for name and signals if tasks are still queued.
func (m *Manager) ReleaseSlot(name string) {
	state := m.Get(name)
	if state == nil {
		return
	}
	if !state.ReleaseSlot() {
		m.logger.V(logutil.DEFAULT).Info("Ignored slot release with no slot held", "function", name)
		return
	}
	if state.Queued() > 0 {
		m.signal(name)
	}
}

// SetEffectiveConcurrency throttles name to n slots. It reports false if the function is unknown.
func (m *Manager) SetEffectiveConcurrency(name string, n int) bool {
	state := m.Get(name)
	if state == nil {
		return false
	}
	state.SetEffectiveConcurrency(n)
	m.logger.V(logutil.VERBOSE).Info("Set effective concurrency", "function", name, "requested", n,
		"effective", state.EffectiveConcurrency())
	// A raised limit may unblock queued work.
	if state.Queued() > 0 {
		m.signal(name)
	}
	return true
}

// UpdateConcurrencyController records controller metadata for name. It reports false if the function is unknown.
func (m *Manager) UpdateConcurrencyController(name string, mode types.ConcurrencyControlMode, targetInFlightPerPod int) bool {
	state := m.Get(name)
	if state == nil {
		return false
	}
	state.SetConcurrencyController(mode, targetInFlightPerPod)
	return true
}

// ForEach calls fn for every state until fn returns false. The iteration order is unspecified.
func (m *Manager) ForEach(fn func(*FunctionQueueState) bool) {
	m.queues.Range(func(_, v any) bool {
		return fn(v.(*FunctionQueueState))
	})
}

// Len returns the number of registered function queues.
func (m *Manager) Len() int {
	n := 0
	m.queues.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
