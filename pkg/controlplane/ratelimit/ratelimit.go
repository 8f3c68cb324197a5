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

// Package ratelimit provides the process-wide admission gate applied before any other invocation processing.
package ratelimit

import (
	"math"
	"sync/atomic"

	"k8s.io/utils/clock"
)

// DefaultMaxPerSecond is the rate limit used when none is configured.
const DefaultMaxPerSecond = 1000

// Limiter is a fixed-window limiter: at most MaxPerSecond calls to Allow succeed within each wall-clock second.
//
// The window (Unix second) and the number of permits handed out in it are packed into one 64-bit word so that the
// rollover to a new window and the permit increment are a single CAS. Callers racing on the same window can never
// exceed the limit, and a rollover can never discard permits granted in the new window.
type Limiter struct {
	clock        clock.PassiveClock
	maxPerSecond atomic.Int64
	// state holds the window in the high 32 bits and the permit count in the low 32 bits.
	state atomic.Uint64
}

// New creates a limiter allowing maxPerSecond calls per second. Non-positive values fall back to DefaultMaxPerSecond.
func New(maxPerSecond int, clk clock.PassiveClock) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	l := &Limiter{clock: clk}
	l.SetMaxPerSecond(maxPerSecond)
	return l
}

// Allow reports whether one more call fits in the current window, consuming a permit if so.
func (l *Limiter) Allow() bool {
	now := uint64(uint32(l.clock.Now().Unix()))
	limit := uint64(l.maxPerSecond.Load())
	for {
		cur := l.state.Load()
		window, count := cur>>32, cur&0xFFFFFFFF
		if window != now {
			count = 0
		}
		if count >= limit {
			return false
		}
		if l.state.CompareAndSwap(cur, now<<32|(count+1)) {
			return true
		}
	}
}

// MaxPerSecond returns the active limit.
func (l *Limiter) MaxPerSecond() int {
	return int(l.maxPerSecond.Load())
}

// SetMaxPerSecond changes the limit. It takes effect immediately, including for the current window.
func (l *Limiter) SetMaxPerSecond(maxPerSecond int) {
	if maxPerSecond <= 0 {
		maxPerSecond = DefaultMaxPerSecond
	}
	maxPerSecond = min(maxPerSecond, math.MaxInt32)
	l.maxPerSecond.Store(int64(maxPerSecond))
}
