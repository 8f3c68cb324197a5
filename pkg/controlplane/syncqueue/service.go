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
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/execution"
	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

const (
	DefaultMaxDepth              = 200
	DefaultThroughputWindow      = 30 * time.Second
	DefaultPerFunctionMinSamples = 50
)

// Config holds the static settings of the sync queue. Hot-reloadable settings are read from a ConfigSource.
type Config struct {
	MaxDepth              int
	ThroughputWindow      time.Duration
	PerFunctionMinSamples int
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithMaxDepth sets the queue capacity.
func WithMaxDepth(n int) ConfigOption {
	return func(c *Config) { c.MaxDepth = n }
}

// WithThroughputWindow sets the window over which dispatch throughput is measured.
func WithThroughputWindow(d time.Duration) ConfigOption {
	return func(c *Config) { c.ThroughputWindow = d }
}

// WithPerFunctionMinSamples sets how many dispatches a function needs before its own throughput is trusted.
func WithPerFunctionMinSamples(n int) ConfigOption {
	return func(c *Config) { c.PerFunctionMinSamples = n }
}

// NewConfig returns a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxDepth:              DefaultMaxDepth,
		ThroughputWindow:      DefaultThroughputWindow,
		PerFunctionMinSamples: DefaultPerFunctionMinSamples,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.MaxDepth <= 0 {
		return errors.New("sync queue maxDepth must be positive")
	}
	if c.ThroughputWindow <= 0 {
		return errors.New("sync queue throughputWindow must be positive")
	}
	if c.PerFunctionMinSamples < 0 {
		return errors.New("sync queue perFunctionMinSamples must not be negative")
	}
	return nil
}

// RecordLookup finds the execution record of a queued task. It is implemented by execution.Store.
type RecordLookup interface {
	Get(executionID string) (*execution.Record, bool)
}

// Service is the global queue of synchronous invocations. All methods are safe for concurrent use, but PeekReady and
// PollReady are meant to be driven by a single scheduler goroutine.
type Service struct {
	config    ConfigSource
	records   RecordLookup
	estimator *WaitEstimator
	admission *AdmissionController
	queue     *boundedList
	clock     clock.PassiveClock
	logger    logr.Logger
	// work holds at most one pending wake-up for AwaitWork.
	work chan struct{}
}

// NewService creates a sync queue. A nil clock uses the real clock.
func NewService(cfg *Config, source ConfigSource, records RecordLookup, clk clock.PassiveClock,
	logger logr.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	estimator := NewWaitEstimator(cfg.ThroughputWindow, cfg.PerFunctionMinSamples)
	return &Service{
		config:    source,
		records:   records,
		estimator: estimator,
		admission: NewAdmissionController(source, cfg.MaxDepth, estimator),
		queue:     newBoundedList(cfg.MaxDepth),
		clock:     clk,
		logger:    logger.WithName("sync-queue"),
		work:      make(chan struct{}, 1),
	}
}

// Enabled reports whether synchronous invocations should go through the queue.
func (s *Service) Enabled() bool {
	return s.config.SyncQueueEnabled()
}

// RetryAfterSeconds is the hint returned with rejections.
func (s *Service) RetryAfterSeconds() int {
	return s.config.SyncQueueRetryAfterSeconds()
}

// EnqueueOrReject admits task or returns a *types.RejectedError with reason DEPTH or EST_WAIT.
func (s *Service) EnqueueOrReject(task *types.InvocationTask) error {
	now := s.clock.Now()
	decision := s.admission.Evaluate(task.FunctionName, s.queue.len(), now)
	if !decision.Accepted {
		return s.reject(task, decision.Reason, decision.EstimatedWaitSeconds)
	}
	if !s.queue.pushBack(&Item{Task: task, EnqueuedAt: now}) {
		return s.reject(task, types.RejectReasonDepth, decision.EstimatedWaitSeconds)
	}
	metrics.RecordSyncQueueAdmitted(task.FunctionName)
	metrics.RecordSyncQueueDepth(s.queue.len())
	s.signal()
	return nil
}

func (s *Service) reject(task *types.InvocationTask, reason types.RejectReason, estimate float64) error {
	metrics.RecordSyncQueueRejected(task.FunctionName, string(reason))
	s.logger.V(logutil.DEBUG).Info("Rejected synchronous invocation", "function", task.FunctionName,
		"executionID", task.ExecutionID, "reason", reason, "estimatedWaitSeconds", estimate)
	return types.NewRejectedError(reason, s.RetryAfterSeconds())
}

// PeekReady returns the head of the queue without removing it. Heads that have waited longer than the maximum queue
// wait are evicted first: their record is marked TIMEOUT and its waiter resolved with a QUEUE_TIMEOUT error.
func (s *Service) PeekReady(now time.Time) *Item {
	for {
		head := s.queue.peekHead()
		if head == nil {
			return nil
		}
		if now.Sub(head.EnqueuedAt) <= s.config.SyncQueueMaxQueueWait() {
			return head
		}
		if s.queue.removeHead(head) {
			s.evict(head, now)
		}
	}
}

func (s *Service) evict(item *Item, now time.Time) {
	fn := item.Task.FunctionName
	if rec, ok := s.records.Get(item.Task.ExecutionID); ok {
		rec.MarkTimeout()
		rec.Complete(types.ErrorResult(types.ErrorCodeQueueTimeout, "Queue wait exceeded"))
	}
	metrics.RecordSyncQueueTimedOut(fn)
	metrics.RecordSyncQueueDepth(s.queue.len())
	s.logger.V(logutil.DEBUG).Info("Evicted synchronous invocation after maximum queue wait", "function", fn,
		"executionID", item.Task.ExecutionID, "waited", now.Sub(item.EnqueuedAt))
}

// PollReady removes head, as returned by PeekReady, and records its queue wait. It returns nil if head is no longer at
// the front of the queue.
func (s *Service) PollReady(now time.Time, head *Item) *Item {
	if head == nil || !s.queue.removeHead(head) {
		return nil
	}
	metrics.RecordSyncQueueWait(head.Task.FunctionName, now.Sub(head.EnqueuedAt))
	metrics.RecordSyncQueueDepth(s.queue.len())
	return head
}

// RecordDispatched feeds the wait estimator.
func (s *Service) RecordDispatched(function string, now time.Time) {
	s.estimator.RecordDispatch(function, now)
}

// AwaitWork blocks while the queue is empty, until an item is admitted, timeout elapses or ctx is done.
func (s *Service) AwaitWork(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 || s.queue.len() > 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.work:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *Service) signal() {
	select {
	case s.work <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (s *Service) Len() int {
	return s.queue.len()
}

// Drain removes every queued item and fails its execution with the given error code. It is used at shutdown.
func (s *Service) Drain(code, message string) int {
	items := s.queue.drain()
	for _, item := range items {
		if rec, ok := s.records.Get(item.Task.ExecutionID); ok {
			rec.MarkError(&types.ErrorInfo{Code: code, Message: message})
			rec.Complete(types.ErrorResult(code, message))
		}
	}
	metrics.RecordSyncQueueDepth(0)
	return len(items)
}
