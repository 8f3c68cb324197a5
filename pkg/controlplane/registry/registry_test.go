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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

func newService(t *testing.T) (*FunctionService, *queue.Manager) {
	t.Helper()
	m := queue.NewManager(logr.Discard())
	return NewFunctionService(types.DefaultFunctionDefaults(), m, logr.Discard()), m
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    types.FunctionSpec
		want    types.FunctionSpec
		wantErr bool
	}{
		{
			name: "defaults applied",
			spec: types.FunctionSpec{Name: "echo", Image: "echo:1"},
			want: types.FunctionSpec{
				Name:          "echo",
				Image:         "echo:1",
				TimeoutMs:     ptr.To(30_000),
				Concurrency:   ptr.To(4),
				QueueSize:     ptr.To(100),
				MaxRetries:    ptr.To(3),
				ExecutionMode: types.ExecutionModeDeployment,
				RuntimeMode:   types.RuntimeModeHTTP,
			},
		},
		{
			name: "explicit values kept",
			spec: types.FunctionSpec{
				Name:          "echo",
				Concurrency:   ptr.To(1),
				MaxRetries:    ptr.To(0),
				ExecutionMode: types.ExecutionModeLocal,
				RuntimeMode:   types.RuntimeModeStdio,
			},
			want: types.FunctionSpec{
				Name:          "echo",
				TimeoutMs:     ptr.To(30_000),
				Concurrency:   ptr.To(1),
				QueueSize:     ptr.To(100),
				MaxRetries:    ptr.To(0),
				ExecutionMode: types.ExecutionModeLocal,
				RuntimeMode:   types.RuntimeModeStdio,
			},
		},
		{
			name:    "missing name",
			spec:    types.FunctionSpec{},
			wantErr: true,
		},
		{
			name:    "non-positive concurrency",
			spec:    types.FunctionSpec{Name: "echo", Concurrency: ptr.To(0)},
			wantErr: true,
		},
		{
			name:    "unknown execution mode",
			spec:    types.FunctionSpec{Name: "echo", ExecutionMode: "EDGE"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Resolve(tc.spec, types.DefaultFunctionDefaults())
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidFunction)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := Resolve(types.FunctionSpec{Concurrency: ptr.To(-1), QueueSize: ptr.To(0)}, types.DefaultFunctionDefaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "concurrency must be positive")
	assert.Contains(t, err.Error(), "queueSize must be positive")
}

func TestFunctionService_RegisterAndRemove(t *testing.T) {
	t.Parallel()
	s, m := newService(t)

	spec, err := s.Register(types.FunctionSpec{Name: "echo", Concurrency: ptr.To(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Get("echo").ConfiguredConcurrency())

	_, err = s.Register(types.FunctionSpec{Name: "echo"})
	assert.ErrorIs(t, err, types.ErrFunctionExists)

	got, ok := s.Get("echo")
	require.True(t, ok)
	assert.Equal(t, spec, got)

	var drained []*types.InvocationTask
	s.SetRemovalHandler(func(fn string, pending []*types.InvocationTask) {
		assert.Equal(t, "echo", fn)
		drained = pending
	})
	task := types.NewInvocationTask("e1", spec, types.InvocationRequest{}, "", "", time.Now())
	require.True(t, m.Enqueue(task))

	assert.True(t, s.Remove("echo"))
	assert.False(t, s.Remove("echo"))
	assert.Nil(t, m.Get("echo"))
	assert.Equal(t, []*types.InvocationTask{task}, drained)
	_, ok = s.Get("echo")
	assert.False(t, ok)
}

func TestFunctionService_UpdateAndList(t *testing.T) {
	t.Parallel()
	s, m := newService(t)

	_, err := s.Update(types.FunctionSpec{Name: "missing"})
	assert.ErrorIs(t, err, types.ErrFunctionNotFound)

	_, err = s.Register(types.FunctionSpec{Name: "b"})
	require.NoError(t, err)
	_, err = s.Register(types.FunctionSpec{Name: "a"})
	require.NoError(t, err)

	_, err = s.Update(types.FunctionSpec{Name: "b", Concurrency: ptr.To(8)})
	require.NoError(t, err)
	assert.Equal(t, 8, m.Get("b").ConfiguredConcurrency())

	names := []string{}
	for _, spec := range s.List() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestFunctionService_SetEffectiveConcurrency(t *testing.T) {
	t.Parallel()
	s, m := newService(t)
	_, err := s.Register(types.FunctionSpec{Name: "echo", Concurrency: ptr.To(4)})
	require.NoError(t, err)

	require.NoError(t, s.SetEffectiveConcurrency("echo", 2))
	assert.Equal(t, 2, m.Get("echo").EffectiveConcurrency())

	err = s.SetEffectiveConcurrency("missing", 2)
	assert.True(t, errors.Is(err, types.ErrFunctionNotFound))
}

func TestFunctionService_ConcurrentRegisterOneWins(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Register(types.FunctionSpec{Name: "echo"}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Zero(t, s.locks.Len(), "name locks are released after use")
}
