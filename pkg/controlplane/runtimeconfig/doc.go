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

// Package runtimeconfig holds the process-wide, hot-reloadable configuration of the execution engine.
//
// The active configuration is an immutable `Snapshot` published through an atomic pointer. Updates are optimistic: a
// caller submits a `Patch` together with the revision it last read, and the `Service` installs the patched snapshot
// with a compare-and-swap only if that revision is still current. A stale revision is reported as
// `ErrRevisionMismatch`, distinct from `ErrInvalidPatch` (the request itself is wrong) and `ErrApplyFailed` (a consumer
// could not adopt the new values and the previous snapshot was restored).
//
// `Manager` composes the three steps (validate, CAS, apply with rollback) and is the entry point used by the admin
// surface. Readers on the hot path, such as sync-queue admission, call `Service.Snapshot` on every decision so patches
// take effect without a restart.
package runtimeconfig
