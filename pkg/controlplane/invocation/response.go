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

package invocation

import (
	"strings"
	"time"

	"github.com/nanofaas/control-plane/pkg/controlplane/execution"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusQueued  = "queued"
)

// InvokeOptions carries the optional per-call settings of an invocation.
type InvokeOptions struct {
	// IdempotencyKey deduplicates invocations of the same function while the key is retained.
	IdempotencyKey string
	TraceID        string
	// Timeout bounds a synchronous wait when positive. The shorter of it and the function timeout applies.
	Timeout time.Duration
}

// Response is returned to invokers.
type Response struct {
	ExecutionID string           `json:"executionId"`
	Status      string           `json:"status"`
	Output      any              `json:"output,omitempty"`
	Error       *types.ErrorInfo `json:"error,omitempty"`
}

func newResponse(executionID string, result types.InvocationResult) *Response {
	status := StatusSuccess
	if !result.Success {
		status = StatusError
	}
	return &Response{ExecutionID: executionID, Status: status, Output: result.Output, Error: result.Error}
}

// Status is the externally visible state of an execution.
type Status struct {
	ExecutionID    string           `json:"executionId"`
	Status         string           `json:"status"`
	Attempt        int              `json:"attempt"`
	StartedAt      time.Time        `json:"startedAt,omitzero"`
	FinishedAt     time.Time        `json:"finishedAt,omitzero"`
	Output         any              `json:"output,omitempty"`
	Error          *types.ErrorInfo `json:"error,omitempty"`
	ColdStart      bool             `json:"coldStart"`
	InitDurationMs int64            `json:"initDurationMs,omitempty"`
}

func newStatus(s execution.Snapshot) *Status {
	return &Status{
		ExecutionID:    s.ExecutionID,
		Status:         strings.ToLower(string(s.State)),
		Attempt:        s.Attempt,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		Output:         s.Output,
		Error:          s.Error,
		ColdStart:      s.ColdStart,
		InitDurationMs: s.InitDurationMs,
	}
}
