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

import "time"

// InvocationRequest is the caller-supplied payload of an invocation.
type InvocationRequest struct {
	Input    any               `json:"input"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InvocationTask is a single dispatchable unit of work. It is immutable once created: a retry produces a new task
// sharing the execution ID.
type InvocationTask struct {
	ExecutionID    string
	FunctionName   string
	Spec           FunctionSpec
	Request        InvocationRequest
	IdempotencyKey string
	TraceID        string
	CreatedAt      time.Time
	// Attempt starts at 1 and is incremented on every retry.
	Attempt int
}

// NewInvocationTask returns the first attempt of an execution.
func NewInvocationTask(executionID string, spec FunctionSpec, req InvocationRequest, idempotencyKey, traceID string,
	now time.Time) *InvocationTask {
	return &InvocationTask{
		ExecutionID:    executionID,
		FunctionName:   spec.Name,
		Spec:           spec,
		Request:        req,
		IdempotencyKey: idempotencyKey,
		TraceID:        traceID,
		CreatedAt:      now,
		Attempt:        1,
	}
}

// Retry returns the next attempt of the task. Retries are internal and are never deduplicated, so the idempotency key
// is dropped.
func (t *InvocationTask) Retry(now time.Time) *InvocationTask {
	return &InvocationTask{
		ExecutionID:  t.ExecutionID,
		FunctionName: t.FunctionName,
		Spec:         t.Spec,
		Request:      t.Request,
		TraceID:      t.TraceID,
		CreatedAt:    now,
		Attempt:      t.Attempt + 1,
	}
}
