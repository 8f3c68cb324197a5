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

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Validate checks every field set in p and returns all violations together, wrapped in ErrInvalidPatch. It returns
// nil for a valid patch.
func Validate(p Patch) error {
	var errs error
	if p.RateMaxPerSecond != nil && *p.RateMaxPerSecond <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("rateMaxPerSecond must be > 0, got %d", *p.RateMaxPerSecond))
	}
	if p.SyncQueueMaxEstimatedWait != nil && !isPositive(*p.SyncQueueMaxEstimatedWait) {
		errs = multierr.Append(errs, fmt.Errorf("syncQueueMaxEstimatedWait must be > 0, got %s", *p.SyncQueueMaxEstimatedWait))
	}
	if p.SyncQueueMaxQueueWait != nil && !isPositive(*p.SyncQueueMaxQueueWait) {
		errs = multierr.Append(errs, fmt.Errorf("syncQueueMaxQueueWait must be > 0, got %s", *p.SyncQueueMaxQueueWait))
	}
	if p.SyncQueueRetryAfterSeconds != nil && *p.SyncQueueRetryAfterSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("syncQueueRetryAfterSeconds must be >= 1, got %d", *p.SyncQueueRetryAfterSeconds))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, errs)
	}
	return nil
}

func isPositive(d time.Duration) bool {
	return d > 0
}
