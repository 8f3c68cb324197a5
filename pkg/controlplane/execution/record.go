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

package execution

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// completion is resolved exactly once with the final result of an execution. It survives retries so every waiter of
// the execution observes the same outcome.
type completion struct {
	once   sync.Once
	done   chan struct{}
	result types.InvocationResult
}

// Record is the mutable lifecycle of one execution. All methods are safe for concurrent use.
type Record struct {
	id         string
	clock      clock.PassiveClock
	logger     logr.Logger
	strict     bool
	completion *completion

	mu             sync.Mutex
	task           *types.InvocationTask
	state          State
	startedAt      time.Time
	dispatchedAt   time.Time
	finishedAt     time.Time
	output         any
	lastError      *types.ErrorInfo
	coldStart      bool
	initDurationMs int64
	// runningAttempt is the last attempt picked up by a scheduler and settledAttempt the last one whose completion
	// was applied. Together they make each dispatched attempt settle exactly once.
	runningAttempt int
	settledAttempt int
	// onTerminal is invoked outside mu whenever the record enters a terminal state.
	onTerminal func(*Record)
}

// RecordOption configures a Record.
type RecordOption func(*Record)

// WithClock overrides the clock used for lifecycle timestamps.
func WithClock(c clock.PassiveClock) RecordOption {
	return func(r *Record) { r.clock = c }
}

// WithLogger sets the logger used to report invalid transitions.
func WithLogger(l logr.Logger) RecordOption {
	return func(r *Record) { r.logger = l }
}

// WithStrictTransitions makes invalid state transitions fail instead of being applied.
func WithStrictTransitions() RecordOption {
	return func(r *Record) { r.strict = true }
}

// NewRecord creates a QUEUED record for the first attempt of task.
func NewRecord(task *types.InvocationTask, opts ...RecordOption) *Record {
	r := &Record{
		id:         task.ExecutionID,
		clock:      clock.RealClock{},
		logger:     logr.Discard(),
		task:       task,
		state:      StateQueued,
		completion: &completion{done: make(chan struct{})},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithValues("executionID", r.id, "function", task.FunctionName)
	return r
}

// ID returns the execution ID.
func (r *Record) ID() string { return r.id }

// Task returns the task of the current attempt.
func (r *Record) Task() *types.InvocationTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

// State returns the current state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// transitionLocked moves the record to next. It reports whether the move was applied. Callers must hold mu.
func (r *Record) transitionLocked(next State) bool {
	if r.state == next {
		return true
	}
	if !canTransition(r.state, next) {
		metrics.RecordInvalidTransition(string(r.state), string(next))
		if r.strict {
			r.logger.Info("Rejected invalid execution state transition", "from", r.state, "to", next)
			return false
		}
		r.logger.Info("Applying invalid execution state transition", "from", r.state, "to", next)
	}
	r.state = next
	if next.Terminal() {
		r.finishedAt = r.clock.Now()
	}
	return true
}

// update runs fn under mu and fires the terminal hook if the record became terminal.
func (r *Record) update(fn func() bool) bool {
	r.mu.Lock()
	wasTerminal := r.state.Terminal()
	ok := fn()
	becameTerminal := !wasTerminal && r.state.Terminal()
	hook := r.onTerminal
	r.mu.Unlock()

	if becameTerminal && hook != nil {
		hook(r)
	}
	return ok
}

// MarkRunning records that an attempt has been picked up by a scheduler.
func (r *Record) MarkRunning() bool {
	return r.update(func() bool {
		if !r.transitionLocked(StateRunning) {
			return false
		}
		r.startedAt = r.clock.Now()
		r.runningAttempt = r.task.Attempt
		return true
	})
}

// MarkDispatched records the time the attempt was handed to a backend.
func (r *Record) MarkDispatched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchedAt = r.clock.Now()
}

// MarkSuccess stores the output and moves the record to SUCCESS.
func (r *Record) MarkSuccess(output any) bool {
	return r.update(func() bool {
		if !r.transitionLocked(StateSuccess) {
			return false
		}
		r.output = output
		r.lastError = nil
		return true
	})
}

// MarkError stores the failure and moves the record to ERROR.
func (r *Record) MarkError(err *types.ErrorInfo) bool {
	return r.update(func() bool {
		if !r.transitionLocked(StateError) {
			return false
		}
		r.lastError = err
		return true
	})
}

// MarkTimeout moves the record to TIMEOUT.
func (r *Record) MarkTimeout() bool {
	return r.update(func() bool {
		return r.transitionLocked(StateTimeout)
	})
}

// MarkColdStart records cold-start metadata reported by the backend.
func (r *Record) MarkColdStart(initDurationMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coldStart = true
	r.initDurationMs = initDurationMs
}

// ResetForRetry replaces the task with the next attempt and moves the record back to QUEUED. Per-attempt data is
// cleared; the completion signal is kept.
func (r *Record) ResetForRetry(next *types.InvocationTask) bool {
	return r.update(func() bool {
		return r.resetLocked(next)
	})
}

func (r *Record) resetLocked(next *types.InvocationTask) bool {
	if !r.transitionLocked(StateQueued) {
		return false
	}
	r.task = next
	r.startedAt = time.Time{}
	r.dispatchedAt = time.Time{}
	r.finishedAt = time.Time{}
	r.output = nil
	r.coldStart = false
	r.initDurationMs = 0
	return true
}

// AttemptOutcome is the decision taken for a completed attempt.
type AttemptOutcome int

const (
	// OutcomeTerminal means the execution finished and its result is final.
	OutcomeTerminal AttemptOutcome = iota
	// OutcomeRetry means the record was reset to QUEUED for the returned next attempt.
	OutcomeRetry
	// OutcomeStale means the completion was for a replaced, duplicate or never started attempt and was ignored.
	OutcomeStale
)

// ResolveAttempt applies the result of attempt and decides, as one atomic step, whether the execution is retried. A
// failed attempt is retried while its attempt number is below retryLimit and the record has not already reached a
// terminal state. A record that is already terminal, for example because its caller timed out, still takes the late
// result but is never retried.
//
// Only the first completion of the current, dispatched attempt is applied. Completions of replaced attempts,
// duplicates and completions of an attempt that never ran are OutcomeStale and leave the record untouched; the
// dispatch slot of the attempt is released by the caller for any other outcome.
func (r *Record) ResolveAttempt(attempt int, result types.InvocationResult, retryLimit int,
	now time.Time) (AttemptOutcome, *types.InvocationTask) {
	var (
		outcome AttemptOutcome
		next    *types.InvocationTask
	)
	r.update(func() bool {
		if attempt != r.task.Attempt || attempt != r.runningAttempt || attempt <= r.settledAttempt {
			outcome = OutcomeStale
			return false
		}
		r.settledAttempt = attempt
		if !result.Success && !r.state.Terminal() && attempt < retryLimit {
			candidate := r.task.Retry(now)
			if r.resetLocked(candidate) {
				r.lastError = result.Error
				outcome, next = OutcomeRetry, candidate
				return true
			}
		}
		outcome = OutcomeTerminal
		if result.Success {
			if r.transitionLocked(StateSuccess) {
				r.output = result.Output
				r.lastError = nil
			}
			return true
		}
		if r.transitionLocked(StateError) {
			r.lastError = result.Error
		}
		return true
	})
	return outcome, next
}

// Done returns a channel closed once the execution's final result is known.
func (r *Record) Done() <-chan struct{} {
	return r.completion.done
}

// Complete resolves the completion signal with result. Only the first call has an effect; it reports whether this call
// resolved the signal.
func (r *Record) Complete(result types.InvocationResult) bool {
	resolved := false
	r.completion.once.Do(func() {
		r.completion.result = result
		close(r.completion.done)
		resolved = true
	})
	return resolved
}

// Result returns the final result and true once Done is closed.
func (r *Record) Result() (types.InvocationResult, bool) {
	select {
	case <-r.completion.done:
		return r.completion.result, true
	default:
		return types.InvocationResult{}, false
	}
}

// Snapshot is a consistent copy of a Record's observable fields.
type Snapshot struct {
	ExecutionID    string
	FunctionName   string
	State          State
	Attempt        int
	CreatedAt      time.Time
	StartedAt      time.Time
	DispatchedAt   time.Time
	FinishedAt     time.Time
	Output         any
	Error          *types.ErrorInfo
	ColdStart      bool
	InitDurationMs int64
}

// Snapshot returns a copy of the record taken under its lock.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ExecutionID:    r.id,
		FunctionName:   r.task.FunctionName,
		State:          r.state,
		Attempt:        r.task.Attempt,
		CreatedAt:      r.task.CreatedAt,
		StartedAt:      r.startedAt,
		DispatchedAt:   r.dispatchedAt,
		FinishedAt:     r.finishedAt,
		Output:         r.output,
		Error:          r.lastError,
		ColdStart:      r.coldStart,
		InitDurationMs: r.initDurationMs,
	}
}

func (r *Record) setTerminalHook(fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminal = fn
}
