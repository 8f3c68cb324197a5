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

// Package types defines the core data structures shared by the components of the control-plane execution engine.
//
// It establishes the vocabulary of the system: the read-only `FunctionSpec` owned by the function registry, the
// immutable `InvocationTask` that flows through queues and schedulers, the `DispatchResult` reported back by execution
// backends, and the sentinel errors and rejection reasons surfaced to the API layer.
package types
