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

package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// RemovalHandler is told about the tasks still queued for a function when it is removed.
type RemovalHandler func(function string, pending []*types.InvocationTask)

// FunctionService registers and removes functions. Operations on the same name are serialized; operations on
// different names run in parallel.
type FunctionService struct {
	defaults  types.FunctionDefaults
	queues    *queue.Manager
	locks     queue.NameLocks
	onRemove  RemovalHandler
	logger    logr.Logger
	functions sync.Map // string -> types.FunctionSpec
}

// NewFunctionService creates an empty service that creates queues in queues.
func NewFunctionService(defaults types.FunctionDefaults, queues *queue.Manager, logger logr.Logger) *FunctionService {
	return &FunctionService{
		defaults: defaults,
		queues:   queues,
		logger:   logger.WithName("function-service"),
	}
}

// SetRemovalHandler installs the handler that fails tasks left in a removed function's queue.
func (s *FunctionService) SetRemovalHandler(h RemovalHandler) {
	s.onRemove = h
}

// Register resolves spec and creates its queue. It returns the resolved spec, or an error wrapping
// types.ErrFunctionExists or ErrInvalidFunction.
func (s *FunctionService) Register(spec types.FunctionSpec) (types.FunctionSpec, error) {
	resolved, err := Resolve(spec, s.defaults)
	if err != nil {
		return types.FunctionSpec{}, err
	}
	unlock := s.locks.Lock(resolved.Name)
	defer unlock()

	if _, ok := s.functions.Load(resolved.Name); ok {
		return types.FunctionSpec{}, fmt.Errorf("%w: %s", types.ErrFunctionExists, resolved.Name)
	}
	s.queues.GetOrCreate(resolved)
	s.functions.Store(resolved.Name, resolved)
	s.logger.V(logutil.DEFAULT).Info("Registered function", "function", resolved.Name,
		"executionMode", resolved.ExecutionMode, "concurrency", *resolved.Concurrency, "queueSize", *resolved.QueueSize)
	return resolved, nil
}

// Update replaces the spec of a registered function. Concurrency changes apply to the existing queue; the queue
// capacity is fixed at registration.
func (s *FunctionService) Update(spec types.FunctionSpec) (types.FunctionSpec, error) {
	resolved, err := Resolve(spec, s.defaults)
	if err != nil {
		return types.FunctionSpec{}, err
	}
	unlock := s.locks.Lock(resolved.Name)
	defer unlock()

	if _, ok := s.functions.Load(resolved.Name); !ok {
		return types.FunctionSpec{}, fmt.Errorf("%w: %s", types.ErrFunctionNotFound, resolved.Name)
	}
	s.queues.GetOrCreate(resolved)
	s.functions.Store(resolved.Name, resolved)
	s.logger.V(logutil.VERBOSE).Info("Updated function", "function", resolved.Name)
	return resolved, nil
}

// Remove unregisters name and drops its queue. Tasks still queued are handed to the removal handler. It returns
// false if the function was not registered.
func (s *FunctionService) Remove(name string) bool {
	unlock := s.locks.Lock(name)
	defer unlock()

	if _, ok := s.functions.LoadAndDelete(name); !ok {
		return false
	}
	state := s.queues.Remove(name)
	if state == nil {
		return true
	}
	var pending []*types.InvocationTask
	for task := state.Poll(); task != nil; task = state.Poll() {
		pending = append(pending, task)
	}
	if len(pending) > 0 && s.onRemove != nil {
		s.onRemove(name, pending)
	}
	s.logger.V(logutil.DEFAULT).Info("Removed function", "function", name, "drained", len(pending))
	return true
}

// Get returns the resolved spec of name.
func (s *FunctionService) Get(name string) (types.FunctionSpec, bool) {
	v, ok := s.functions.Load(name)
	if !ok {
		return types.FunctionSpec{}, false
	}
	return v.(types.FunctionSpec), true
}

// List returns every registered spec ordered by name.
func (s *FunctionService) List() []types.FunctionSpec {
	var specs []types.FunctionSpec
	s.functions.Range(func(_, v any) bool {
		specs = append(specs, v.(types.FunctionSpec))
		return true
	})
	slices.SortFunc(specs, func(a, b types.FunctionSpec) int { return strings.Compare(a.Name, b.Name) })
	return specs
}

// SetEffectiveConcurrency throttles a registered function. It is used by external autoscaling controllers.
func (s *FunctionService) SetEffectiveConcurrency(name string, n int) error {
	if !s.queues.SetEffectiveConcurrency(name, n) {
		return fmt.Errorf("%w: %s", types.ErrFunctionNotFound, name)
	}
	return nil
}
