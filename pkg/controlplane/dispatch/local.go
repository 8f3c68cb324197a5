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

package dispatch

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// ErrorCodeFunctionError marks a failure returned by a local handler.
const ErrorCodeFunctionError = "FUNCTION_ERROR"

// Handler is an in-process function implementation.
type Handler func(ctx context.Context, req types.InvocationRequest) (any, error)

// Echo returns the request input unchanged.
func Echo(_ context.Context, req types.InvocationRequest) (any, error) {
	return req.Input, nil
}

// LocalBackend runs functions in-process. Functions without a registered handler echo their input. The first
// invocation of each function is reported as a cold start.
type LocalBackend struct {
	clock clock.PassiveClock

	mu       sync.RWMutex
	handlers map[string]Handler
	warm     map[string]struct{}
}

// NewLocalBackend creates a LocalBackend. A nil clock uses the real clock.
func NewLocalBackend(clk clock.PassiveClock) *LocalBackend {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LocalBackend{
		clock:    clk,
		handlers: make(map[string]Handler),
		warm:     make(map[string]struct{}),
	}
}

// Handle registers h for function.
func (b *LocalBackend) Handle(function string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[function] = h
}

// Invoke runs the task's handler.
func (b *LocalBackend) Invoke(ctx context.Context, task *types.InvocationTask) (types.DispatchResult, error) {
	b.mu.Lock()
	h, ok := b.handlers[task.FunctionName]
	if !ok {
		h = Echo
	}
	_, warm := b.warm[task.FunctionName]
	b.warm[task.FunctionName] = struct{}{}
	b.mu.Unlock()

	start := b.clock.Now()
	out, err := h(ctx, task.Request)
	if err != nil {
		return types.DispatchResult{Result: types.ErrorResult(ErrorCodeFunctionError, err.Error()), ColdStart: !warm}, nil
	}
	res := types.DispatchResult{Result: types.SuccessResult(out), ColdStart: !warm}
	if res.ColdStart {
		res.InitDurationMs = b.clock.Since(start).Milliseconds()
	}
	return res, nil
}
