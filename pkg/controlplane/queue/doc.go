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

// Package queue tracks per-function admission state: a bounded FIFO of pending tasks and an in-flight slot counter
// bounded by the function's effective concurrency.
//
// # Concurrency
//
// `FunctionQueueState` is the only state in the engine mutated by many goroutines at once, so its hot path is
// lock-free. The FIFO is a buffered channel used with non-blocking sends and receives, and slots are claimed with a
// compare-and-swap loop: two callers can never both observe a free slot and both take it. Reconfiguration of the
// concurrency limits is rare and serialized by a per-function mutex that the dispatch path never touches.
//
// `Manager` owns the states by function name. A state is created on registration and updated in place on
// re-registration, so its queue survives a concurrency change. Successful enqueues, and slot releases that leave work
// behind, are reported to an optional `WorkSignaler` so schedulers can avoid scanning idle functions.
//
// `NameLocks` provides reference-counted, per-name mutual exclusion used to serialize registration and removal of the
// same function.
package queue
