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
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

func newTask(mode types.ExecutionMode, input any) *types.InvocationTask {
	spec := types.FunctionSpec{Name: "echo", ExecutionMode: mode}
	return types.NewInvocationTask("exec-1", spec, types.InvocationRequest{Input: input}, "", "", time.Now())
}

func dispatchAndWait(t *testing.T, r *Router, ctx context.Context, task *types.InvocationTask) types.DispatchResult {
	t.Helper()
	results := make(chan types.DispatchResult, 2)
	r.Dispatch(ctx, task, func(res types.DispatchResult) { results <- res })
	r.Wait()
	require.Len(t, results, 1, "onComplete must be called exactly once")
	return <-results
}

func TestRouter_Dispatch(t *testing.T) {
	t.Parallel()

	failing := BackendFunc(func(context.Context, *types.InvocationTask) (types.DispatchResult, error) {
		return types.DispatchResult{}, errors.New("connection refused")
	})
	panicking := BackendFunc(func(context.Context, *types.InvocationTask) (types.DispatchResult, error) {
		panic("boom")
	})

	tests := []struct {
		name     string
		mode     types.ExecutionMode
		wantOK   bool
		wantCode string
	}{
		{name: "local echo", mode: types.ExecutionModeLocal, wantOK: true},
		{name: "backend error", mode: types.ExecutionModePool, wantCode: types.ErrorCodeDispatchFailed},
		{name: "backend panic", mode: types.ExecutionModeDeployment, wantCode: types.ErrorCodeDispatchFailed},
		{name: "unknown mode", mode: "EDGE", wantCode: types.ErrorCodeUnsupportedMode},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := NewRouter(logr.Discard(),
				WithBackend(types.ExecutionModeLocal, NewLocalBackend(nil)),
				WithBackend(types.ExecutionModePool, failing),
				WithBackend(types.ExecutionModeDeployment, panicking),
			)
			res := dispatchAndWait(t, r, context.Background(), newTask(tc.mode, "payload"))
			assert.Equal(t, tc.wantOK, res.Result.Success)
			if tc.wantOK {
				assert.Equal(t, "payload", res.Result.Output)
				return
			}
			require.NotNil(t, res.Result.Error)
			assert.Equal(t, tc.wantCode, res.Result.Error.Code)
		})
	}
}

func TestRouter_CallerCancellationDoesNotAbortAttempt(t *testing.T) {
	t.Parallel()
	backend := BackendFunc(func(ctx context.Context, _ *types.InvocationTask) (types.DispatchResult, error) {
		select {
		case <-ctx.Done():
			return types.DispatchResult{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return types.DispatchResult{Result: types.SuccessResult("done")}, nil
		}
	})
	r := NewRouter(logr.Discard(), WithBackend(types.ExecutionModePool, backend))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := dispatchAndWait(t, r, ctx, newTask(types.ExecutionModePool, nil))
	assert.True(t, res.Result.Success)
}

func TestRouter_FunctionTimeoutBoundsAttempt(t *testing.T) {
	t.Parallel()
	backend := BackendFunc(func(ctx context.Context, _ *types.InvocationTask) (types.DispatchResult, error) {
		<-ctx.Done()
		return types.DispatchResult{}, ctx.Err()
	})
	r := NewRouter(logr.Discard(), WithBackend(types.ExecutionModePool, backend))

	task := newTask(types.ExecutionModePool, nil)
	timeoutMs := 10
	task.Spec.TimeoutMs = &timeoutMs
	res := dispatchAndWait(t, r, context.Background(), task)
	require.NotNil(t, res.Result.Error)
	assert.Equal(t, types.ErrorCodeDispatchFailed, res.Result.Error.Code)
}

func TestLocalBackend(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(nil)
	b.Handle("fail", func(context.Context, types.InvocationRequest) (any, error) {
		return nil, errors.New("bad input")
	})

	first, err := b.Invoke(context.Background(), newTask(types.ExecutionModeLocal, 1))
	require.NoError(t, err)
	assert.True(t, first.ColdStart)
	assert.Equal(t, 1, first.Result.Output)

	second, err := b.Invoke(context.Background(), newTask(types.ExecutionModeLocal, 2))
	require.NoError(t, err)
	assert.False(t, second.ColdStart)

	failTask := newTask(types.ExecutionModeLocal, nil)
	failTask.FunctionName = "fail"
	res, err := b.Invoke(context.Background(), failTask)
	require.NoError(t, err)
	require.NotNil(t, res.Result.Error)
	assert.Equal(t, ErrorCodeFunctionError, res.Result.Error.Code)
	assert.Equal(t, "bad input", res.Result.Error.Message)
}
