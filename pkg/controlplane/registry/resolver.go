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

// Package registry owns the set of registered functions and keeps the execution engine's per-function queues in step
// with it.
package registry

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"k8s.io/utils/ptr"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// ErrInvalidFunction indicates a function spec that fails validation.
var ErrInvalidFunction = errors.New("invalid function spec")

// Resolve fills every unset field of spec from defaults and validates the result.
func Resolve(spec types.FunctionSpec, defaults types.FunctionDefaults) (types.FunctionSpec, error) {
	resolved := spec
	if resolved.TimeoutMs == nil {
		resolved.TimeoutMs = ptr.To(defaults.TimeoutMs)
	}
	if resolved.Concurrency == nil {
		resolved.Concurrency = ptr.To(defaults.Concurrency)
	}
	if resolved.QueueSize == nil {
		resolved.QueueSize = ptr.To(defaults.QueueSize)
	}
	if resolved.MaxRetries == nil {
		resolved.MaxRetries = ptr.To(defaults.MaxRetries)
	}
	if resolved.ExecutionMode == "" {
		resolved.ExecutionMode = types.ExecutionModeDeployment
	}
	if resolved.RuntimeMode == "" {
		resolved.RuntimeMode = types.RuntimeModeHTTP
	}
	if err := validate(resolved); err != nil {
		return types.FunctionSpec{}, err
	}
	return resolved, nil
}

func validate(spec types.FunctionSpec) error {
	var errs error
	if spec.Name == "" {
		errs = multierr.Append(errs, errors.New("name is required"))
	}
	if *spec.TimeoutMs <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("timeoutMs must be positive, got %d", *spec.TimeoutMs))
	}
	if *spec.Concurrency <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("concurrency must be positive, got %d", *spec.Concurrency))
	}
	if *spec.QueueSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("queueSize must be positive, got %d", *spec.QueueSize))
	}
	if *spec.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("maxRetries must not be negative, got %d", *spec.MaxRetries))
	}
	switch spec.ExecutionMode {
	case types.ExecutionModeLocal, types.ExecutionModePool, types.ExecutionModeDeployment:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown executionMode %q", spec.ExecutionMode))
	}
	if errs != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidFunction, spec.Name, errs)
	}
	return nil
}
