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

// Package execution tracks the lifecycle of every invocation accepted by the control plane.
//
// A Record follows one execution across all of its attempts. It owns a state machine guarded by its own mutex and a
// completion signal that is resolved exactly once, so that synchronous callers, deduplicated callers and late backend
// callbacks can race safely. The Store and IdempotencyStore keep records and idempotency keys for a bounded time.
package execution
