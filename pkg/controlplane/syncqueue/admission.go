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
	"time"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// ConfigSource exposes the hot-reloadable sync-queue settings. It is implemented by runtimeconfig.Service.
type ConfigSource interface {
	SyncQueueEnabled() bool
	SyncQueueAdmissionEnabled() bool
	SyncQueueMaxEstimatedWait() time.Duration
	SyncQueueMaxQueueWait() time.Duration
	SyncQueueRetryAfterSeconds() int
}

// AdmissionResult is the decision for one arriving item.
type AdmissionResult struct {
	Accepted             bool
	Reason               types.RejectReason
	EstimatedWaitSeconds float64
}

// AdmissionController decides whether an item may join the sync queue.
type AdmissionController struct {
	config    ConfigSource
	maxDepth  int
	estimator *WaitEstimator
}

// NewAdmissionController creates a controller enforcing maxDepth and the estimated-wait budget read from config.
func NewAdmissionController(config ConfigSource, maxDepth int, estimator *WaitEstimator) *AdmissionController {
	return &AdmissionController{config: config, maxDepth: maxDepth, estimator: estimator}
}

// Evaluate decides admission for an item of function arriving when depth items are queued. The depth limit is checked
// first. The wait budget is compared in whole seconds, so a budget under one second rejects every estimate.
func (a *AdmissionController) Evaluate(function string, depth int, now time.Time) AdmissionResult {
	if depth >= a.maxDepth {
		return AdmissionResult{Reason: types.RejectReasonDepth}
	}
	est := a.estimator.EstimateWaitSeconds(function, depth, now)
	if a.config.SyncQueueAdmissionEnabled() {
		maxWait := int64(a.config.SyncQueueMaxEstimatedWait() / time.Second)
		if maxWait == 0 || est > float64(maxWait) {
			return AdmissionResult{Reason: types.RejectReasonEstimatedWait, EstimatedWaitSeconds: est}
		}
	}
	return AdmissionResult{Accepted: true, EstimatedWaitSeconds: est}
}
