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

// Package scheduler drains queued invocations into the dispatch layer.
//
// A Poller runs a single loop over a WorkSource. Each tick the source claims dispatchable tasks, each with its
// concurrency slot already acquired, and the poller hands them to a DispatchFunc. The async source walks the
// per-function queues of a queue.Manager; the sync source drains the global sync queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

const (
	// DefaultTick is how long an idle loop waits for new work.
	DefaultTick = 2 * time.Millisecond
	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second
)

// DispatchFunc hands a task with an acquired slot to the execution layer. Once it returns nil, the slot is owned by the
// execution layer and is released on completion. If it returns an error or panics, the poller releases the slot.
type DispatchFunc func(ctx context.Context, task *types.InvocationTask) error

// Claim is a task whose concurrency slot is held by the poller.
type Claim struct {
	Task    *types.InvocationTask
	Release func()
}

// WorkSource supplies claims to a Poller.
type WorkSource interface {
	// Claim returns the tasks that can be dispatched now. It must not block.
	Claim(now time.Time) []Claim
	// Wait blocks until work may be available, timeout elapses or ctx is done.
	Wait(ctx context.Context, timeout time.Duration)
}

// Poller runs the dispatch loop of one WorkSource.
type Poller struct {
	name     string
	source   WorkSource
	dispatch DispatchFunc
	clock    clock.PassiveClock
	tick     time.Duration
	stopWait time.Duration
	logger   logr.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithTick sets the idle wait of the loop.
func WithTick(d time.Duration) Option {
	return func(p *Poller) { p.tick = d }
}

// WithStopTimeout sets how long Stop waits for the loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Poller) { p.stopWait = d }
}

// WithClock overrides the time source passed to the WorkSource.
func WithClock(c clock.PassiveClock) Option {
	return func(p *Poller) { p.clock = c }
}

// NewPoller creates a stopped Poller.
func NewPoller(name string, source WorkSource, dispatch DispatchFunc, logger logr.Logger, opts ...Option) *Poller {
	p := &Poller{
		name:     name,
		source:   source,
		dispatch: dispatch,
		clock:    clock.RealClock{},
		tick:     DefaultTick,
		stopWait: DefaultStopTimeout,
		logger:   logger.WithName(name),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the loop. It is a no-op if the loop is already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	go p.run(ctx, p.stopped)
}

// Stop cancels the loop and waits for it to exit, up to the stop timeout. It reports whether the loop exited in time.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return true
	}

	cancel()
	select {
	case <-stopped:
		return true
	case <-time.After(p.stopWait):
		p.logger.Info("Scheduler loop did not stop in time", "timeout", p.stopWait)
		return false
	}
}

// Running reports whether the loop has been started and not stopped.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Run executes the loop in the calling goroutine until ctx is done. Use either Run or Start, not both.
func (p *Poller) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	p.run(ctx, stopped)
	return nil
}

func (p *Poller) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	p.logger.V(logutil.DEFAULT).Info("Scheduler loop starting")
	defer p.logger.V(logutil.DEFAULT).Info("Scheduler loop stopped")

	for ctx.Err() == nil {
		if !p.TickOnce(ctx) {
			p.source.Wait(ctx, p.tick)
		}
	}
}

// TickOnce runs one claim-and-dispatch cycle. It reports whether any task was dispatched.
func (p *Poller) TickOnce(ctx context.Context) bool {
	dispatched := false
	for _, c := range p.source.Claim(p.clock.Now()) {
		if err := p.dispatchSafely(ctx, c.Task); err != nil {
			c.Release()
			p.logger.Error(err, "Dispatch failed, released slot", "function", c.Task.FunctionName,
				"executionID", c.Task.ExecutionID)
			continue
		}
		dispatched = true
	}
	return dispatched
}

var errDispatchPanic = errors.New("dispatch panicked")

func (p *Poller) dispatchSafely(ctx context.Context, task *types.InvocationTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errDispatchPanic, r)
		}
	}()
	return p.dispatch(ctx, task)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
