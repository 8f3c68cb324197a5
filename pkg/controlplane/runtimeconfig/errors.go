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
	"errors"
	"fmt"
)

var (
	// ErrRevisionMismatch indicates the patch was computed against a revision that is no longer current. The caller
	// should re-read the snapshot and retry.
	ErrRevisionMismatch = errors.New("runtime config revision mismatch")

	// ErrInvalidPatch indicates the patch failed validation. The caller must fix the request; retrying is pointless.
	ErrInvalidPatch = errors.New("invalid runtime config patch")

	// ErrApplyFailed indicates the new snapshot could not be applied to its consumers and was rolled back.
	ErrApplyFailed = errors.New("failed to apply runtime config")
)

// RevisionMismatchError reports the expected and actual revisions of a rejected update.
type RevisionMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *RevisionMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d, actual %d", ErrRevisionMismatch, e.Expected, e.Actual)
}

// Unwrap makes the error match ErrRevisionMismatch with errors.Is.
func (e *RevisionMismatchError) Unwrap() error {
	return ErrRevisionMismatch
}
