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

package types

import (
	"errors"
	"fmt"
)

// --- Admission and Invocation Errors ---
var (
	// ErrRejected is the base sentinel for every admission rejection that carries a retry-after hint.
	ErrRejected = errors.New("invocation rejected")

	// ErrRateLimited indicates the process-wide rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQueueFull indicates the function's bounded queue had no room for the task.
	ErrQueueFull = errors.New("function queue is full")

	// ErrFunctionNotFound indicates the invocation targeted a function that is not registered.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrFunctionExists indicates a registration attempted to reuse a name that is already registered.
	ErrFunctionExists = errors.New("function already exists")

	// ErrExecutionNotFound indicates an operation addressed an execution that is unknown or already evicted.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrAsyncQueueUnavailable indicates an asynchronous invocation arrived while the async queue path is disabled.
	ErrAsyncQueueUnavailable = errors.New("async queue is not enabled")
)

// RejectReason identifies why admission refused a request.
type RejectReason string

const (
	// RejectReasonDepth means the queue was full.
	RejectReasonDepth RejectReason = "DEPTH"
	// RejectReasonEstimatedWait means the projected wait exceeded the configured maximum.
	RejectReasonEstimatedWait RejectReason = "EST_WAIT"
	// RejectReasonTimeout means the request was evicted after waiting too long in the queue.
	RejectReasonTimeout RejectReason = "TIMEOUT"
)

// RejectedError is returned when a request is refused for backpressure reasons. The caller may retry after
// RetryAfterSeconds.
type RejectedError struct {
	Reason            RejectReason
	RetryAfterSeconds int
}

// NewRejectedError returns a RejectedError with the given reason and retry hint.
func NewRejectedError(reason RejectReason, retryAfterSeconds int) *RejectedError {
	return &RejectedError{Reason: reason, RetryAfterSeconds: retryAfterSeconds}
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: reason %s, retry after %ds", ErrRejected, e.Reason, e.RetryAfterSeconds)
}

// Unwrap makes the error match ErrRejected with errors.Is.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}
