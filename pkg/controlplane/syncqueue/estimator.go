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

package syncqueue

import (
	"math"
	"sync"
	"time"
)

// WaitEstimator estimates queue wait from the dispatch throughput observed over a sliding window.
type WaitEstimator struct {
	window     time.Duration
	minSamples int

	mu          sync.Mutex
	global      []time.Time
	perFunction map[string][]time.Time
}

// NewWaitEstimator creates an estimator over window. Per-function throughput is trusted once a function has at least
// minSamples dispatches in the window.
func NewWaitEstimator(window time.Duration, minSamples int) *WaitEstimator {
	return &WaitEstimator{
		window:      window,
		minSamples:  minSamples,
		perFunction: make(map[string][]time.Time),
	}
}

// RecordDispatch records one dispatch of function at now.
func (e *WaitEstimator) RecordDispatch(function string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.global = append(prune(e.global, now.Add(-e.window)), now)
	e.perFunction[function] = append(prune(e.perFunction[function], now.Add(-e.window)), now)
}

// EstimateWaitSeconds returns the expected wait, in seconds, for an item arriving behind depth queued items. It returns
// +Inf when no throughput has been observed at all, and 0 for an empty queue.
//
// The depth check comes first, so an empty queue estimates 0 even before any dispatch was observed. A cold start
// therefore admits the first arrival and only rejects on EST_WAIT once items are waiting with no measured throughput.
func (e *WaitEstimator) EstimateWaitSeconds(function string, depth int, now time.Time) float64 {
	if depth <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-e.window)
	if events := prune(e.perFunction[function], cutoff); len(events) > 0 {
		e.perFunction[function] = events
		if len(events) >= e.minSamples {
			if rate := e.throughput(len(events)); rate > 0 {
				return float64(depth) / rate
			}
		}
	} else {
		delete(e.perFunction, function)
	}

	e.global = prune(e.global, cutoff)
	rate := e.throughput(len(e.global))
	if rate <= 0 {
		return math.Inf(1)
	}
	return float64(depth) / rate
}

// throughput converts an event count into events per second over the window.
func (e *WaitEstimator) throughput(count int) float64 {
	return float64(count) / math.Max(1, e.window.Seconds())
}

// prune drops events at or before cutoff. Events are appended in time order, so the survivors are a suffix.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
