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
	"time"

	"github.com/go-logr/logr"

	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
	"github.com/nanofaas/control-plane/pkg/controlplane/syncqueue"
)

// SyncQueue is the part of syncqueue.Service a SyncSource drains.
type SyncQueue interface {
	PeekReady(now time.Time) *syncqueue.Item
	PollReady(now time.Time, head *syncqueue.Item) *syncqueue.Item
	RecordDispatched(function string, now time.Time)
	AwaitWork(ctx context.Context, timeout time.Duration)
	Len() int
}

// SyncSource claims the head of the global sync queue once its function has a free slot. The head blocks the queue
// until it is dispatched or evicted.
type SyncSource struct {
	queues *queue.Manager
	sync   SyncQueue
}

// NewSyncSource creates a source draining sq under the slots of queues.
func NewSyncSource(queues *queue.Manager, sq SyncQueue) *SyncSource {
	return &SyncSource{queues: queues, sync: sq}
}

// Claim implements WorkSource.
func (s *SyncSource) Claim(now time.Time) []Claim {
	head := s.sync.PeekReady(now)
	if head == nil {
		return nil
	}
	fn := head.Task.FunctionName
	if !s.queues.TryAcquireSlot(fn) {
		return nil
	}
	if s.sync.PollReady(now, head) == nil {
		// Evicted since the peek.
		s.queues.ReleaseSlot(fn)
		return nil
	}
	s.sync.RecordDispatched(fn, now)
	return []Claim{{Task: head.Task, Release: func() { s.queues.ReleaseSlot(fn) }}}
}

// Wait implements WorkSource. With work queued but no free slot it backs off for timeout.
func (s *SyncSource) Wait(ctx context.Context, timeout time.Duration) {
	if s.sync.Len() > 0 {
		sleep(ctx, timeout)
		return
	}
	s.sync.AwaitWork(ctx, timeout)
}

// NewSync creates the poller of the synchronous path.
func NewSync(queues *queue.Manager, sq SyncQueue, dispatch DispatchFunc, logger logr.Logger,
	opts ...Option) *Poller {
	return NewPoller("sync-scheduler", NewSyncSource(queues, sq), dispatch, logger, opts...)
}
