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

// Package invocation orchestrates synchronous and asynchronous invocations across admission, queuing, dispatch,
// completion and retry.
package invocation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/execution"
	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
	"github.com/nanofaas/control-plane/pkg/controlplane/syncqueue"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// DefaultRetryAfterSeconds is the retry hint used when no sync queue is configured.
const DefaultRetryAfterSeconds = 2

// FunctionLookup resolves registered functions. It is implemented by registry.FunctionService.
type FunctionLookup interface {
	Get(name string) (types.FunctionSpec, bool)
}

// Dispatcher runs an attempt and reports its outcome once. It is implemented by dispatch.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *types.InvocationTask, onComplete func(types.DispatchResult))
}

// RateLimiter admits or refuses new invocations. It is implemented by ratelimit.Limiter.
type RateLimiter interface {
	Allow() bool
}

// Orchestrator is the entry point of the execution engine.
type Orchestrator struct {
	functions   FunctionLookup
	queues      *queue.Manager
	records     *execution.Store
	idempotency *execution.IdempotencyStore
	dispatcher  Dispatcher
	limiter     RateLimiter
	logger      logr.Logger

	syncQueue         *syncqueue.Service
	asyncQueueEnabled bool
	clock             clock.PassiveClock
	newID             func() string
	recordOpts        []execution.RecordOption
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSyncQueue routes synchronous invocations through sq while it is enabled.
func WithSyncQueue(sq *syncqueue.Service) Option {
	return func(o *Orchestrator) { o.syncQueue = sq }
}

// WithAsyncQueue enables or disables the per-function queue path. It is enabled by default.
func WithAsyncQueue(enabled bool) Option {
	return func(o *Orchestrator) { o.asyncQueueEnabled = enabled }
}

// WithClock overrides the clock used for task and record timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator overrides how execution IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithStrictTransitions makes execution records reject invalid state transitions.
func WithStrictTransitions() Option {
	return func(o *Orchestrator) { o.recordOpts = append(o.recordOpts, execution.WithStrictTransitions()) }
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(functions FunctionLookup, queues *queue.Manager, records *execution.Store,
	idempotency *execution.IdempotencyStore, dispatcher Dispatcher, limiter RateLimiter, logger logr.Logger,
	opts ...Option) *Orchestrator {
	o := &Orchestrator{
		functions:         functions,
		queues:            queues,
		records:           records,
		idempotency:       idempotency,
		dispatcher:        dispatcher,
		limiter:           limiter,
		logger:            logger.WithName("orchestrator"),
		asyncQueueEnabled: true,
		clock:             clock.RealClock{},
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.recordOpts = append(o.recordOpts, execution.WithClock(o.clock), execution.WithLogger(o.logger))
	return o
}

// InvokeSync runs fn and waits for its result. A wait that outlasts the timeout marks the execution TIMEOUT and returns
// a timeout response without error; the attempt itself keeps running. Admission failures are returned as errors
// wrapping types.ErrRateLimited, types.ErrFunctionNotFound or *types.RejectedError.
func (o *Orchestrator) InvokeSync(ctx context.Context, fn string, req types.InvocationRequest,
	opts InvokeOptions) (*Response, error) {
	spec, err := o.admit(fn)
	if err != nil {
		return nil, err
	}
	rec, created := o.createOrReuse(spec, req, opts)
	metrics.RecordInvocation(fn, metrics.PathSync)
	logger := o.logger.WithValues("function", fn, "executionID", rec.ID())

	if snap := rec.Snapshot(); snap.State == execution.StateSuccess || snap.State == execution.StateError {
		return snapshotResponse(snap), nil
	}
	if created {
		if err := o.submitSync(ctx, rec.Task()); err != nil {
			o.abandon(rec, opts.IdempotencyKey, err)
			return nil, err
		}
	}

	timeout := opts.Timeout
	if fnTimeout := spec.Timeout(); fnTimeout > 0 && (timeout <= 0 || fnTimeout < timeout) {
		timeout = fnTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-rec.Done():
		result, _ := rec.Result()
		if result.Error != nil && result.Error.Code == types.ErrorCodeQueueTimeout {
			return nil, types.NewRejectedError(types.RejectReasonTimeout, o.retryAfterSeconds())
		}
		return newResponse(rec.ID(), result), nil
	case <-expired:
		if rec.MarkTimeout() {
			metrics.RecordOutcome(fn, string(execution.StateTimeout))
		}
		logger.V(logutil.DEBUG).Info("Synchronous wait timed out", "timeout", timeout)
		return &Response{ExecutionID: rec.ID(), Status: StatusTimeout}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeAsync queues fn and returns immediately with the execution ID.
func (o *Orchestrator) InvokeAsync(_ context.Context, fn string, req types.InvocationRequest,
	opts InvokeOptions) (*Response, error) {
	spec, err := o.admit(fn)
	if err != nil {
		return nil, err
	}
	if !o.asyncQueueEnabled {
		return nil, types.ErrAsyncQueueUnavailable
	}
	rec, created := o.createOrReuse(spec, req, opts)
	metrics.RecordInvocation(fn, metrics.PathAsync)
	if created {
		if err := o.enqueue(rec.Task()); err != nil {
			o.abandon(rec, opts.IdempotencyKey, err)
			return nil, err
		}
	}
	return &Response{ExecutionID: rec.ID(), Status: StatusQueued}, nil
}

// Status returns the state of an execution.
func (o *Orchestrator) Status(executionID string) (*Status, bool) {
	rec, ok := o.records.Get(executionID)
	if !ok {
		return nil, false
	}
	return newStatus(rec.Snapshot()), true
}

func (o *Orchestrator) admit(fn string) (types.FunctionSpec, error) {
	if !o.limiter.Allow() {
		metrics.RecordRateLimited()
		return types.FunctionSpec{}, types.ErrRateLimited
	}
	spec, ok := o.functions.Get(fn)
	if !ok {
		return types.FunctionSpec{}, fmt.Errorf("%w: %s", types.ErrFunctionNotFound, fn)
	}
	return spec, nil
}

// createOrReuse returns the execution for the call, reusing the one an idempotency key points to. The new record is
// stored before the key is published so that a concurrent duplicate never sees a mapping without its record.
func (o *Orchestrator) createOrReuse(spec types.FunctionSpec, req types.InvocationRequest,
	opts InvokeOptions) (*execution.Record, bool) {
	id := o.newID()
	task := types.NewInvocationTask(id, spec, req, opts.IdempotencyKey, opts.TraceID, o.clock.Now())
	rec := execution.NewRecord(task, o.recordOpts...)
	o.records.Put(rec)
	if opts.IdempotencyKey == "" {
		return rec, true
	}

	existingID, loaded := o.idempotency.PutIfAbsent(spec.Name, opts.IdempotencyKey, id)
	if !loaded {
		return rec, true
	}
	if existing, ok := o.records.Get(existingID); ok {
		o.records.Remove(id)
		metrics.RecordDeduplicated(spec.Name)
		return existing, false
	}
	// The key points to an evicted execution.
	if o.idempotency.Replace(spec.Name, opts.IdempotencyKey, existingID, id) {
		return rec, true
	}
	if winnerID, ok := o.idempotency.Get(spec.Name, opts.IdempotencyKey); ok {
		if winner, ok := o.records.Get(winnerID); ok {
			o.records.Remove(id)
			metrics.RecordDeduplicated(spec.Name)
			return winner, false
		}
	}
	o.idempotency.Put(spec.Name, opts.IdempotencyKey, id)
	return rec, true
}

// abandon discards an execution that was refused before it was queued, so that a retried call with the same
// idempotency key starts afresh.
func (o *Orchestrator) abandon(rec *execution.Record, idempotencyKey string, cause error) {
	o.records.Remove(rec.ID())
	if idempotencyKey != "" {
		o.idempotency.Remove(rec.Task().FunctionName, idempotencyKey, rec.ID())
	}
	info := &types.ErrorInfo{Code: types.ErrorCodeEnqueueFailed, Message: cause.Error()}
	rec.MarkError(info)
	rec.Complete(types.InvocationResult{Error: info})
}

func (o *Orchestrator) submitSync(ctx context.Context, task *types.InvocationTask) error {
	if o.syncQueue != nil && o.syncQueue.Enabled() {
		return o.syncQueue.EnqueueOrReject(task)
	}
	if o.asyncQueueEnabled {
		return o.enqueue(task)
	}
	return o.dispatchDirect(ctx, task)
}

func (o *Orchestrator) enqueue(task *types.InvocationTask) error {
	if !o.queues.Enqueue(task) {
		return fmt.Errorf("%w: %w", types.ErrQueueFull,
			types.NewRejectedError(types.RejectReasonDepth, o.retryAfterSeconds()))
	}
	return nil
}

// dispatchDirect bypasses the queues. It still takes a slot so the concurrency limit holds.
func (o *Orchestrator) dispatchDirect(ctx context.Context, task *types.InvocationTask) error {
	if !o.queues.TryAcquireSlot(task.FunctionName) {
		return types.NewRejectedError(types.RejectReasonDepth, o.retryAfterSeconds())
	}
	if err := o.Dispatch(ctx, task); err != nil {
		o.queues.ReleaseSlot(task.FunctionName)
		return err
	}
	return nil
}

func (o *Orchestrator) retryAfterSeconds() int {
	if o.syncQueue != nil {
		return o.syncQueue.RetryAfterSeconds()
	}
	return DefaultRetryAfterSeconds
}

// Dispatch hands a task whose slot is already held to the dispatcher. It is the DispatchFunc of both schedulers. On
// a nil return the slot is released when the attempt completes.
func (o *Orchestrator) Dispatch(ctx context.Context, task *types.InvocationTask) error {
	rec, ok := o.records.Get(task.ExecutionID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrExecutionNotFound, task.ExecutionID)
	}
	if rec.State().Terminal() {
		// The caller gave up while the task was queued.
		o.queues.ReleaseSlot(task.FunctionName)
		rec.Complete(types.ErrorResult(types.ErrorCodeTimeout, "execution timed out before dispatch"))
		o.logger.V(logutil.DEBUG).Info("Skipped dispatch of finished execution", "function", task.FunctionName,
			"executionID", task.ExecutionID, "state", rec.State())
		return nil
	}
	if !rec.MarkRunning() {
		return fmt.Errorf("execution %s cannot start from state %s", task.ExecutionID, rec.State())
	}
	rec.MarkDispatched()
	o.dispatcher.Dispatch(ctx, task, func(dr types.DispatchResult) {
		o.complete(rec, task, dr)
	})
	return nil
}

// CompleteExecution applies an attempt's outcome reported out of band, for example by a runtime callback.
func (o *Orchestrator) CompleteExecution(executionID string, dr types.DispatchResult) error {
	rec, ok := o.records.Get(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
	}
	o.complete(rec, rec.Task(), dr)
	return nil
}

func (o *Orchestrator) complete(rec *execution.Record, task *types.InvocationTask, dr types.DispatchResult) {
	fn := task.FunctionName
	logger := o.logger.WithValues("function", fn, "executionID", rec.ID(), "attempt", task.Attempt)

	outcome, next := rec.ResolveAttempt(task.Attempt, dr.Result, task.Spec.RetryLimit(), o.clock.Now())
	if outcome == execution.OutcomeStale {
		// The attempt's slot was already released by its first completion.
		logger.V(logutil.DEBUG).Info("Ignored completion of a settled or replaced attempt")
		return
	}
	o.queues.ReleaseSlot(fn)
	metrics.RecordColdStart(fn, dr.ColdStart, dr.InitDurationMs)

	if outcome == execution.OutcomeRetry {
		metrics.RecordRetry(fn)
		err := o.requeue(next)
		if err == nil {
			logger.V(logutil.VERBOSE).Info("Retrying failed execution", "nextAttempt", next.Attempt)
			return
		}
		logger.Info("Retry could not be queued, failing execution", "error", err)
		rec.MarkError(dr.Result.Error)
	}
	if dr.ColdStart {
		rec.MarkColdStart(dr.InitDurationMs)
	}
	o.finish(rec, dr.Result)
}

func (o *Orchestrator) requeue(task *types.InvocationTask) error {
	switch {
	case o.asyncQueueEnabled:
		return o.enqueue(task)
	case o.syncQueue != nil && o.syncQueue.Enabled():
		return o.syncQueue.EnqueueOrReject(task)
	default:
		return o.dispatchDirect(context.Background(), task)
	}
}

func (o *Orchestrator) finish(rec *execution.Record, result types.InvocationResult) {
	snap := rec.Snapshot()
	metrics.RecordOutcome(snap.FunctionName, string(snap.State))
	metrics.RecordLatencies(snap.FunctionName, snap.CreatedAt, snap.DispatchedAt, snap.FinishedAt)
	rec.Complete(result)
}

// FailPending fails tasks that can no longer be dispatched, such as those left in a removed function's queue. It is a
// registry.RemovalHandler.
func (o *Orchestrator) FailPending(fn string, pending []*types.InvocationTask) {
	o.failAll(pending, types.ErrorCodeFunctionRemoved, fmt.Sprintf("function %s was removed", fn))
}

// Shutdown fails every task still waiting in a function queue or in the sync queue with SHUTDOWN. Schedulers must be
// stopped first. It returns the number of executions failed.
func (o *Orchestrator) Shutdown() int {
	const message = "control plane is shutting down"
	failed := 0
	o.queues.ForEach(func(st *queue.FunctionQueueState) bool {
		var pending []*types.InvocationTask
		for task := st.Poll(); task != nil; task = st.Poll() {
			pending = append(pending, task)
		}
		failed += o.failAll(pending, types.ErrorCodeShutdown, message)
		return true
	})
	if o.syncQueue != nil {
		failed += o.syncQueue.Drain(types.ErrorCodeShutdown, message)
	}
	if failed > 0 {
		o.logger.Info("Failed pending executions at shutdown", "count", failed)
	}
	return failed
}

func (o *Orchestrator) failAll(pending []*types.InvocationTask, code, message string) int {
	n := 0
	for _, task := range pending {
		rec, ok := o.records.Get(task.ExecutionID)
		if !ok {
			continue
		}
		info := &types.ErrorInfo{Code: code, Message: message}
		rec.MarkError(info)
		o.finish(rec, types.InvocationResult{Error: info})
		n++
	}
	return n
}

func snapshotResponse(s execution.Snapshot) *Response {
	if s.State == execution.StateSuccess {
		return &Response{ExecutionID: s.ExecutionID, Status: StatusSuccess, Output: s.Output}
	}
	return &Response{ExecutionID: s.ExecutionID, Status: StatusError, Error: s.Error}
}
