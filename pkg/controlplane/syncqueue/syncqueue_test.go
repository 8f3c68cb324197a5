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

package syncqueue

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/nanofaas/control-plane/pkg/controlplane/execution"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

type staticConfig struct {
	enabled          bool
	admission        bool
	maxEstimatedWait time.Duration
	maxQueueWait     time.Duration
	retryAfter       int
}

func (c staticConfig) SyncQueueEnabled() bool { return c.enabled }
func (c staticConfig) SyncQueueAdmissionEnabled() bool { return c.admission }
func (c staticConfig) SyncQueueMaxEstimatedWait() time.Duration { return c.maxEstimatedWait }
func (c staticConfig) SyncQueueMaxQueueWait() time.Duration { return c.maxQueueWait }
func (c staticConfig) SyncQueueRetryAfterSeconds() int { return c.retryAfter }

func defaultStaticConfig() staticConfig {
	return staticConfig{
		enabled:          true,
		admission:        false,
		maxEstimatedWait: 5 * time.Second,
		maxQueueWait:     2 * time.Second,
		retryAfter:       2,
	}
}

type recordMap map[string]*execution.Record

func (m recordMap) Get(id string) (*execution.Record, bool) {
	r, ok := m[id]
	return r, ok
}

type harness struct {
	svc     *Service
	clock   *testclock.FakeClock
	records recordMap
}

func newHarness(t *testing.T, source ConfigSource, opts ...ConfigOption) *harness {
	t.Helper()
	cfg, err := NewConfig(opts...)
	require.NoError(t, err)
	h := &harness{
		clock:   testclock.NewFakeClock(time.Unix(1_700_000_000, 0)),
		records: recordMap{},
	}
	h.svc = NewService(cfg, source, h.records, h.clock, logr.Discard())
	return h
}

func (h *harness) newTask(fn, id string) *types.InvocationTask {
	task := types.NewInvocationTask(id, types.FunctionSpec{Name: fn}, types.InvocationRequest{}, "", "", h.clock.Now())
	h.records[id] = execution.NewRecord(task)
	return task
}

func TestWaitEstimator(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name       string
		minSamples int
		events     map[string][]time.Duration // function -> offsets before now
		function   string
		depth      int
		want       float64
	}{
		{
			name:       "per-function throughput once enough samples",
			minSamples: 3,
			events:     map[string][]time.Duration{"fn": {9 * time.Second, 8 * time.Second, 7 * time.Second}},
			function:   "fn",
			depth:      6,
			want:       20,
		},
		{
			name:       "falls back to global throughput",
			minSamples: 3,
			events: map[string][]time.Duration{
				"fn":    {5 * time.Second},
				"other": {4 * time.Second, 3 * time.Second, 2 * time.Second, time.Second},
			},
			function: "fn",
			depth:    2,
			want:     4,
		},
		{
			name:       "events outside the window are ignored",
			minSamples: 1,
			events:     map[string][]time.Duration{"fn": {11 * time.Second, 10 * time.Second}},
			function:   "fn",
			depth:      1,
			want:       math.Inf(1),
		},
		{
			name:     "no throughput at all",
			function: "fn",
			depth:    1,
			want:     math.Inf(1),
		},
		{
			name:     "empty queue has no wait",
			function: "fn",
			depth:    0,
			want:     0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := NewWaitEstimator(10*time.Second, tc.minSamples)
			for fn, offsets := range tc.events {
				for _, off := range offsets {
					e.RecordDispatch(fn, now.Add(-off))
				}
			}
			assert.Equal(t, tc.want, e.EstimateWaitSeconds(tc.function, tc.depth, now))
		})
	}
}

func TestAdmissionController(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)

	primed := func() *WaitEstimator {
		e := NewWaitEstimator(10*time.Second, 1)
		for i := 1; i <= 10; i++ {
			e.RecordDispatch("fn", now.Add(-time.Duration(i)*500*time.Millisecond))
		}
		return e // 1 dispatch per second
	}

	tests := []struct {
		name   string
		config staticConfig
		depth  int
		want   AdmissionResult
	}{
		{
			name:   "depth limit is checked first",
			config: staticConfig{admission: true, maxEstimatedWait: time.Hour},
			depth:  5,
			want:   AdmissionResult{Reason: types.RejectReasonDepth},
		},
		{
			name:   "estimate within budget",
			config: staticConfig{admission: true, maxEstimatedWait: 5 * time.Second},
			depth:  3,
			want:   AdmissionResult{Accepted: true, EstimatedWaitSeconds: 3},
		},
		{
			name:   "estimate over budget",
			config: staticConfig{admission: true, maxEstimatedWait: 2 * time.Second},
			depth:  3,
			want:   AdmissionResult{Reason: types.RejectReasonEstimatedWait, EstimatedWaitSeconds: 3},
		},
		{
			name:   "sub-second budget rejects",
			config: staticConfig{admission: true, maxEstimatedWait: 500 * time.Millisecond},
			depth:  0,
			want:   AdmissionResult{Reason: types.RejectReasonEstimatedWait},
		},
		{
			name:   "admission disabled ignores estimate",
			config: staticConfig{admission: false, maxEstimatedWait: time.Second},
			depth:  4,
			want:   AdmissionResult{Accepted: true, EstimatedWaitSeconds: 4},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := NewAdmissionController(tc.config, 5, primed())
			assert.Equal(t, tc.want, a.Evaluate("fn", tc.depth, now))
		})
	}
}

func TestNewConfig(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{MaxDepth: 200, ThroughputWindow: 30 * time.Second, PerFunctionMinSamples: 50}, cfg)

	_, err = NewConfig(WithMaxDepth(0))
	assert.Error(t, err)
	_, err = NewConfig(WithThroughputWindow(0))
	assert.Error(t, err)
}

func TestService_RejectsOnDepth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultStaticConfig(), WithMaxDepth(1))

	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "a")))
	err := h.svc.EnqueueOrReject(h.newTask("fn", "b"))

	var rejected *types.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, types.RejectReasonDepth, rejected.Reason)
	assert.Equal(t, 2, rejected.RetryAfterSeconds)
	assert.True(t, errors.Is(err, types.ErrRejected))
	assert.Equal(t, 1, h.svc.Len())
}

func TestService_PeekAndPollInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultStaticConfig())

	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "a")))
	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "b")))

	head := h.svc.PeekReady(h.clock.Now())
	require.NotNil(t, head)
	assert.Equal(t, "a", head.Task.ExecutionID)
	assert.Same(t, head, h.svc.PeekReady(h.clock.Now()), "peek must not consume")

	assert.Same(t, head, h.svc.PollReady(h.clock.Now(), head))
	assert.Nil(t, h.svc.PollReady(h.clock.Now(), head), "an item can only be polled once")

	next := h.svc.PeekReady(h.clock.Now())
	require.NotNil(t, next)
	assert.Equal(t, "b", next.Task.ExecutionID)
}

func TestService_EvictsItemsPastMaxQueueWait(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultStaticConfig())

	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "old")))
	h.clock.Step(2 * time.Second)
	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "fresh")))

	assert.Equal(t, "old", h.svc.PeekReady(h.clock.Now()).Task.ExecutionID, "an item at exactly maxQueueWait is kept")

	h.clock.Step(time.Millisecond)
	head := h.svc.PeekReady(h.clock.Now())
	require.NotNil(t, head)
	assert.Equal(t, "fresh", head.Task.ExecutionID)
	assert.Equal(t, 1, h.svc.Len())

	old := h.records["old"]
	assert.Equal(t, execution.StateTimeout, old.State())
	result, ok := old.Result()
	require.True(t, ok)
	assert.Equal(t, types.ErrorCodeQueueTimeout, result.Error.Code)
}

func TestService_EstimatedWaitAdmission(t *testing.T) {
	t.Parallel()
	cfg := defaultStaticConfig()
	cfg.admission = true
	h := newHarness(t, cfg, WithThroughputWindow(10*time.Second), WithPerFunctionMinSamples(1))

	// The first item always fits an empty queue.
	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "a")))

	// Without any recorded throughput the estimate is unbounded.
	var rejected *types.RejectedError
	require.ErrorAs(t, h.svc.EnqueueOrReject(h.newTask("fn", "b")), &rejected)
	assert.Equal(t, types.RejectReasonEstimatedWait, rejected.Reason)

	for i := 0; i < 10; i++ {
		h.svc.RecordDispatched("fn", h.clock.Now())
	}
	assert.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "c")))
}

func TestService_AwaitWork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultStaticConfig())

	start := time.Now()
	h.svc.AwaitWork(context.Background(), 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "empty queue should wait for the timeout")

	done := make(chan struct{})
	go func() {
		h.svc.AwaitWork(context.Background(), time.Minute)
		close(done)
	}()
	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "a")))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitWork was not woken by an admitted item")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.svc.AwaitWork(ctx, time.Minute) // returns immediately: queue not empty
}

func TestService_Drain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultStaticConfig())
	require.NoError(t, h.svc.EnqueueOrReject(h.newTask("fn", "a")))

	assert.Equal(t, 1, h.svc.Drain("SHUTDOWN", "control plane stopping"))
	assert.Zero(t, h.svc.Len())
	result, ok := h.records["a"].Result()
	require.True(t, ok)
	assert.Equal(t, "SHUTDOWN", result.Error.Code)
}
