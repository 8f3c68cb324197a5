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

// Package dispatch routes invocation tasks to the execution backend selected by their function's execution mode.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// Backend runs one attempt of a task. A returned error means the backend could not produce a result at all; function
// failures are reported inside the DispatchResult.
type Backend interface {
	Invoke(ctx context.Context, task *types.InvocationTask) (types.DispatchResult, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, task *types.InvocationTask) (types.DispatchResult, error)

// Invoke calls f.
func (f BackendFunc) Invoke(ctx context.Context, task *types.InvocationTask) (types.DispatchResult, error) {
	return f(ctx, task)
}

// Router selects a Backend per execution mode and runs it asynchronously.
type Router struct {
	backends map[types.ExecutionMode]Backend
	logger   logr.Logger
	wg       sync.WaitGroup
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBackend registers b for mode.
func WithBackend(mode types.ExecutionMode, b Backend) RouterOption {
	return func(r *Router) { r.backends[mode] = b }
}

// NewRouter creates a Router with the given backends.
func NewRouter(logger logr.Logger, opts ...RouterOption) *Router {
	r := &Router{
		backends: make(map[types.ExecutionMode]Backend),
		logger:   logger.WithName("dispatch-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch runs task on its backend in a new goroutine and reports the outcome to onComplete exactly once. The attempt
// is bounded by the function timeout but is not cancelled when ctx is, so a caller giving up does not abort work that is
// already running.
func (r *Router) Dispatch(ctx context.Context, task *types.InvocationTask, onComplete func(types.DispatchResult)) {
	backend, ok := r.backends[task.Spec.ExecutionMode]
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !ok {
			onComplete(types.DispatchResult{Result: types.ErrorResult(types.ErrorCodeUnsupportedMode,
				fmt.Sprintf("no backend for execution mode %q", task.Spec.ExecutionMode))})
			return
		}
		onComplete(r.invoke(context.WithoutCancel(ctx), backend, task))
	}()
}

func (r *Router) invoke(ctx context.Context, backend Backend, task *types.InvocationTask) (result types.DispatchResult) {
	logger := r.logger.WithValues("function", task.FunctionName, "executionID", task.ExecutionID,
		"attempt", task.Attempt)
	if timeout := task.Spec.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error(fmt.Errorf("%v", p), "Backend panicked")
			result = types.DispatchResult{Result: types.ErrorResult(types.ErrorCodeDispatchFailed, fmt.Sprint(p))}
		}
	}()

	logger.V(logutil.TRACE).Info("Invoking backend", "mode", task.Spec.ExecutionMode)
	res, err := backend.Invoke(ctx, task)
	if err != nil {
		logger.V(logutil.DEBUG).Info("Backend invocation failed", "error", err)
		return types.DispatchResult{Result: types.ErrorResult(types.ErrorCodeDispatchFailed, err.Error())}
	}
	return res
}

// Wait blocks until every dispatched attempt has reported its outcome.
func (r *Router) Wait() {
	r.wg.Wait()
}
