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

package runtimeconfig

import "time"

// Snapshot is an immutable view of the hot-reloadable configuration.
type Snapshot struct {
	// Revision starts at 0 and is incremented by one on every successful update.
	Revision                   int64         `json:"revision"`
	RateMaxPerSecond           int           `json:"rateMaxPerSecond"`
	SyncQueueEnabled           bool          `json:"syncQueueEnabled"`
	SyncQueueAdmissionEnabled  bool          `json:"syncQueueAdmissionEnabled"`
	SyncQueueMaxEstimatedWait  time.Duration `json:"syncQueueMaxEstimatedWait"`
	SyncQueueMaxQueueWait      time.Duration `json:"syncQueueMaxQueueWait"`
	SyncQueueRetryAfterSeconds int           `json:"syncQueueRetryAfterSeconds"`
}

// Patch carries only the fields to change. Nil fields keep their current value.
type Patch struct {
	RateMaxPerSecond           *int           `json:"rateMaxPerSecond,omitempty"`
	SyncQueueEnabled           *bool          `json:"syncQueueEnabled,omitempty"`
	SyncQueueAdmissionEnabled  *bool          `json:"syncQueueAdmissionEnabled,omitempty"`
	SyncQueueMaxEstimatedWait  *time.Duration `json:"syncQueueMaxEstimatedWait,omitempty"`
	SyncQueueMaxQueueWait      *time.Duration `json:"syncQueueMaxQueueWait,omitempty"`
	SyncQueueRetryAfterSeconds *int           `json:"syncQueueRetryAfterSeconds,omitempty"`
}

// applyPatch returns the next revision of s with p applied.
func (s Snapshot) applyPatch(p Patch) Snapshot {
	next := s
	next.Revision = s.Revision + 1
	if p.RateMaxPerSecond != nil {
		next.RateMaxPerSecond = *p.RateMaxPerSecond
	}
	if p.SyncQueueEnabled != nil {
		next.SyncQueueEnabled = *p.SyncQueueEnabled
	}
	if p.SyncQueueAdmissionEnabled != nil {
		next.SyncQueueAdmissionEnabled = *p.SyncQueueAdmissionEnabled
	}
	if p.SyncQueueMaxEstimatedWait != nil {
		next.SyncQueueMaxEstimatedWait = *p.SyncQueueMaxEstimatedWait
	}
	if p.SyncQueueMaxQueueWait != nil {
		next.SyncQueueMaxQueueWait = *p.SyncQueueMaxQueueWait
	}
	if p.SyncQueueRetryAfterSeconds != nil {
		next.SyncQueueRetryAfterSeconds = *p.SyncQueueRetryAfterSeconds
	}
	return next
}

// Defaults seed revision 0 of the runtime configuration.
type Defaults struct {
	RateMaxPerSecond           int
	SyncQueueEnabled           bool
	SyncQueueAdmissionEnabled  bool
	SyncQueueMaxEstimatedWait  time.Duration
	SyncQueueMaxQueueWait      time.Duration
	SyncQueueRetryAfterSeconds int
}

const (
	defaultRateMaxPerSecond           = 1000
	defaultSyncQueueMaxEstimatedWait  = 5 * time.Second
	defaultSyncQueueMaxQueueWait      = 2 * time.Second
	defaultSyncQueueRetryAfterSeconds = 2
)

// DefaultDefaults returns the built-in seed values. The sync queue is disabled unless explicitly enabled.
func DefaultDefaults() Defaults {
	return Defaults{
		RateMaxPerSecond:           defaultRateMaxPerSecond,
		SyncQueueEnabled:           false,
		SyncQueueAdmissionEnabled:  true,
		SyncQueueMaxEstimatedWait:  defaultSyncQueueMaxEstimatedWait,
		SyncQueueMaxQueueWait:      defaultSyncQueueMaxQueueWait,
		SyncQueueRetryAfterSeconds: defaultSyncQueueRetryAfterSeconds,
	}
}

func (d Defaults) snapshot() Snapshot {
	return Snapshot{
		Revision:                   0,
		RateMaxPerSecond:           d.RateMaxPerSecond,
		SyncQueueEnabled:           d.SyncQueueEnabled,
		SyncQueueAdmissionEnabled:  d.SyncQueueAdmissionEnabled,
		SyncQueueMaxEstimatedWait:  d.SyncQueueMaxEstimatedWait,
		SyncQueueMaxQueueWait:      d.SyncQueueMaxQueueWait,
		SyncQueueRetryAfterSeconds: d.SyncQueueRetryAfterSeconds,
	}
}
