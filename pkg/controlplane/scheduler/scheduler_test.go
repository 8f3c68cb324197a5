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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/nanofaas/control-plane/pkg/controlplane/execution"
	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
	"github.com/nanofaas/control-plane/pkg/controlplane/runtimeconfig"
	"github.com/nanofaas/control-plane/pkg/controlplane/syncqueue"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// recorder is a DispatchFunc that remembers dispatched tasks and optionally fails.
type recorder struct {
	mu    sync.Mutex
	tasks []*types.InvocationTask
	fail  func(task *types.InvocationTask) error
}

func (r *recorder) dispatch(_ context.Context, task *types.InvocationTask) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(task)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func newManager(t *testing.T, name string, concurrency int) *queue.Manager {
	t.Helper()
	m := queue.NewManager(logr.Discard())
	m.GetOrCreate(types.FunctionSpec{Name: name, Concurrency: ptr.To(concurrency), QueueSize: ptr.To(10)})
	return m
}

func newTask(fn, id string) *types.InvocationTask {
	return types.NewInvocationTask(id, types.FunctionSpec{Name: fn}, types.InvocationRequest{}, "", "", time.Now())
}

func TestAsync_RespectsConcurrency(t *testing.T) {
	t.Parallel()
	m := newManager(t, "fn", 2)
	rec := &recorder{}
	p := NewAsync(m, rec.dispatch, logr.Discard())

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, m.Enqueue(newTask("fn", id)))
	}

	for i := 0; i < 5; i++ {
		p.TickOnce(context.Background())
	}
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 2, m.Get("fn").InFlight())
	assert.Equal(t, 1, m.Get("fn").Queued())

	m.ReleaseSlot("fn")
	assert.True(t, p.TickOnce(context.Background()), "a released slot signals the remaining work")
	assert.Equal(t, 3, rec.count())
	assert.Equal(t, "c", rec.tasks[2].ExecutionID)
}

func TestAsync_FailedDispatchReleasesSlot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail func(*types.InvocationTask) error
	}{
		{name: "error", fail: func(*types.InvocationTask) error { return errors.New("backend down") }},
		{name: "panic", fail: func(*types.InvocationTask) error { panic("boom") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newManager(t, "fn", 1)
			rec := &recorder{fail: tc.fail}
			p := NewAsync(m, rec.dispatch, logr.Discard())

			require.True(t, m.Enqueue(newTask("fn", "a")))
			require.True(t, m.Enqueue(newTask("fn", "b")))

			assert.False(t, p.TickOnce(context.Background()))
			assert.Zero(t, m.Get("fn").InFlight())

			p.TickOnce(context.Background())
			assert.Equal(t, 2, rec.count(), "the loop keeps going after a failed dispatch")
		})
	}
}

func TestPoller_StartStop(t *testing.T) {
	t.Parallel()
	m := newManager(t, "fn", 4)
	rec := &recorder{}
	p := NewAsync(m, func(ctx context.Context, task *types.InvocationTask) error {
		defer m.ReleaseSlot(task.FunctionName)
		return rec.dispatch(ctx, task)
	}, logr.Discard())

	assert.False(t, p.Running())
	p.Start(context.Background())
	p.Start(context.Background())
	assert.True(t, p.Running())

	for i := 0; i < 10; i++ {
		require.True(t, m.Enqueue(newTask("fn", string(rune('a'+i)))))
	}
	assert.Eventually(t, func() bool { return rec.count() == 10 }, 5*time.Second, time.Millisecond)

	assert.True(t, p.Stop())
	assert.False(t, p.Running())
	assert.True(t, p.Stop(), "stopping a stopped poller is a no-op")
}

func newSyncQueue(t *testing.T) *syncqueue.Service {
	t.Helper()
	defaults := runtimeconfig.DefaultDefaults()
	defaults.SyncQueueEnabled = true
	defaults.SyncQueueAdmissionEnabled = false
	cfg, err := syncqueue.NewConfig()
	require.NoError(t, err)
	storeCfg, err := execution.NewStoreConfig()
	require.NoError(t, err)
	return syncqueue.NewService(cfg, runtimeconfig.NewService(defaults),
		execution.NewStore(storeCfg, logr.Discard()), nil, logr.Discard())
}

// evictingSyncQueue evicts the queue once, right after handing out the head, as a concurrent eviction would.
type evictingSyncQueue struct {
	*syncqueue.Service
	evicted bool
}

func (q *evictingSyncQueue) PeekReady(now time.Time) *syncqueue.Item {
	head := q.Service.PeekReady(now)
	if head != nil && !q.evicted {
		q.evicted = true
		q.Service.PeekReady(now.Add(24 * time.Hour))
	}
	return head
}

func TestSync_DispatchesHeadWhenSlotFree(t *testing.T) {
	t.Parallel()
	m := newManager(t, "fn", 1)
	sq := newSyncQueue(t)

	rec := &recorder{}
	p := NewSync(m, sq, rec.dispatch, logr.Discard())

	require.NoError(t, sq.EnqueueOrReject(newTask("fn", "a")))
	require.NoError(t, sq.EnqueueOrReject(newTask("fn", "b")))

	assert.True(t, p.TickOnce(context.Background()))
	assert.False(t, p.TickOnce(context.Background()), "no slot for the next head")
	assert.Equal(t, 1, sq.Len())

	m.ReleaseSlot("fn")
	assert.True(t, p.TickOnce(context.Background()))
	assert.Zero(t, sq.Len())
	require.Equal(t, 2, rec.count())
	assert.Equal(t, "b", rec.tasks[1].ExecutionID)
}

func TestSync_FailedDispatchReleasesSlot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail func(*types.InvocationTask) error
	}{
		{name: "error", fail: func(*types.InvocationTask) error { return errors.New("backend down") }},
		{name: "panic", fail: func(*types.InvocationTask) error { panic("boom") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newManager(t, "fn", 1)
			sq := newSyncQueue(t)
			rec := &recorder{fail: tc.fail}
			p := NewSync(m, sq, rec.dispatch, logr.Discard())

			require.NoError(t, sq.EnqueueOrReject(newTask("fn", "a")))
			require.NoError(t, sq.EnqueueOrReject(newTask("fn", "b")))

			assert.False(t, p.TickOnce(context.Background()))
			assert.Zero(t, m.Get("fn").InFlight())
			assert.Equal(t, 1, sq.Len())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			p.Start(ctx)
			defer p.Stop()
			assert.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, time.Millisecond,
				"the loop keeps going after a failed dispatch")
			assert.Zero(t, sq.Len())
			assert.Zero(t, m.Get("fn").InFlight())
		})
	}
}

func TestSync_HeadEvictedBeforePollIsNotDispatched(t *testing.T) {
	t.Parallel()
	m := newManager(t, "fn", 1)
	sq := newSyncQueue(t)
	rec := &recorder{}
	p := NewSync(m, &evictingSyncQueue{Service: sq}, rec.dispatch, logr.Discard())

	require.NoError(t, sq.EnqueueOrReject(newTask("fn", "a")))

	assert.False(t, p.TickOnce(context.Background()))
	assert.Zero(t, rec.count())
	assert.Zero(t, sq.Len())
	assert.Zero(t, m.Get("fn").InFlight(), "the slot taken for the evicted head is returned")

	require.NoError(t, sq.EnqueueOrReject(newTask("fn", "b")))
	assert.True(t, p.TickOnce(context.Background()), "an unrelated head still gets the slot")
	assert.Equal(t, 1, m.Get("fn").InFlight())
}
