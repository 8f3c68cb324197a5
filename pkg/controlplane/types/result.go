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

// Well-known error codes carried in ErrorInfo.
const (
	// ErrorCodeQueueTimeout marks an invocation evicted from the sync queue before it could be dispatched.
	ErrorCodeQueueTimeout = "QUEUE_TIMEOUT"
	// ErrorCodeTimeout marks an invocation whose caller stopped waiting before completion.
	ErrorCodeTimeout = "TIMEOUT"
	// ErrorCodeDispatchFailed marks a backend failure that never produced a structured result.
	ErrorCodeDispatchFailed = "DISPATCH_FAILED"
	// ErrorCodeEnqueueFailed marks a retry that could not be re-queued.
	ErrorCodeEnqueueFailed = "ENQUEUE_FAILED"
	// ErrorCodeUnsupportedMode marks a task whose execution mode has no backend.
	ErrorCodeUnsupportedMode = "UNSUPPORTED_EXECUTION_MODE"
	// ErrorCodeFunctionRemoved marks a queued task whose function was unregistered before dispatch.
	ErrorCodeFunctionRemoved = "FUNCTION_REMOVED"
	// ErrorCodeShutdown marks a queued task dropped because the control plane is stopping.
	ErrorCodeShutdown = "SHUTDOWN"
)

// ErrorInfo is a structured failure reported by a backend or synthesized by the engine.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvocationResult is the final outcome of one attempt.
type InvocationResult struct {
	Success bool       `json:"success"`
	Output  any        `json:"output,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// SuccessResult builds a successful result.
func SuccessResult(output any) InvocationResult {
	return InvocationResult{Success: true, Output: output}
}

// ErrorResult builds a failed result.
func ErrorResult(code, message string) InvocationResult {
	return InvocationResult{Error: &ErrorInfo{Code: code, Message: message}}
}

// DispatchResult is what a dispatch backend reports back for one attempt, including optional cold-start metadata.
type DispatchResult struct {
	Result         InvocationResult
	ColdStart      bool
	InitDurationMs int64
}
