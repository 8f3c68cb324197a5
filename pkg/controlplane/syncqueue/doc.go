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

// Package syncqueue implements the optional global admission queue for synchronous invocations.
//
// Synchronous callers are admitted only while the queue is below its maximum depth and, when admission control is
// enabled, only while the estimated wait for their function fits the configured budget. The estimate is derived from
// recent dispatch throughput, per function when enough samples exist and globally otherwise. Items that wait longer than
// the maximum queue wait are evicted lazily when they reach the head of the queue.
package syncqueue
