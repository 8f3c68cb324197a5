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

package types

import (
	"time"

	"k8s.io/utils/ptr"
)

// ExecutionMode selects the backend family that runs a function.
type ExecutionMode string

const (
	// ExecutionModeLocal runs the function in-process. Used for development and tests.
	ExecutionModeLocal ExecutionMode = "LOCAL"
	// ExecutionModePool sends the invocation to a pre-provisioned pool of HTTP endpoints.
	ExecutionModePool ExecutionMode = "POOL"
	// ExecutionModeDeployment runs the function on replicas managed by a container orchestrator.
	ExecutionModeDeployment ExecutionMode = "DEPLOYMENT"
)

// RuntimeMode describes how the function runtime receives invocations.
type RuntimeMode string

const (
	RuntimeModeHTTP  RuntimeMode = "HTTP"
	RuntimeModeStdio RuntimeMode = "STDIO"
	RuntimeModeFile  RuntimeMode = "FILE"
)

// ConcurrencyControlMode identifies how an external controller adjusts a function's effective concurrency.
type ConcurrencyControlMode string

const (
	// ConcurrencyControlFixed keeps the effective concurrency equal to the configured one.
	ConcurrencyControlFixed ConcurrencyControlMode = "FIXED"
	// ConcurrencyControlStaticPerPod derives effective concurrency from ready replicas times a fixed per-pod target.
	ConcurrencyControlStaticPerPod ConcurrencyControlMode = "STATIC_PER_POD"
	// ConcurrencyControlAdaptivePerPod adapts the per-pod target to observed load.
	ConcurrencyControlAdaptivePerPod ConcurrencyControlMode = "ADAPTIVE_PER_POD"
)

// ConcurrencyControlConfig carries the metadata used by autoscaling controllers to throttle a function below its
// configured concurrency.
type ConcurrencyControlConfig struct {
	Mode                    ConcurrencyControlMode `json:"mode,omitempty"`
	TargetInFlightPerPod    int                    `json:"targetInFlightPerPod,omitempty"`
	MinTargetInFlightPerPod int                    `json:"minTargetInFlightPerPod,omitempty"`
	MaxTargetInFlightPerPod int                    `json:"maxTargetInFlightPerPod,omitempty"`
}

// ScalingConfig describes replica scaling for DEPLOYMENT-mode functions.
type ScalingConfig struct {
	MinReplicas        int                       `json:"minReplicas,omitempty"`
	MaxReplicas        int                       `json:"maxReplicas,omitempty"`
	ConcurrencyControl *ConcurrencyControlConfig `json:"concurrencyControl,omitempty"`
}

// FunctionSpec is the registered definition of a function. It is owned by the function registry; the execution engine
// reads it and never mutates it.
//
// Numeric limits use pointers so that an unset value can be told apart from an explicit zero when registry defaults are
// applied. After resolution by the registry every pointer is non-nil.
type FunctionSpec struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Command       []string          `json:"command,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	TimeoutMs     *int              `json:"timeoutMs,omitempty"`
	Concurrency   *int              `json:"concurrency,omitempty"`
	QueueSize     *int              `json:"queueSize,omitempty"`
	MaxRetries    *int              `json:"maxRetries,omitempty"`
	EndpointURL   string            `json:"endpointUrl,omitempty"`
	ExecutionMode ExecutionMode     `json:"executionMode,omitempty"`
	RuntimeMode   RuntimeMode       `json:"runtimeMode,omitempty"`
	Scaling       *ScalingConfig    `json:"scalingConfig,omitempty"`
}

// Timeout returns the function's invocation timeout, or zero if unset.
func (s FunctionSpec) Timeout() time.Duration {
	return time.Duration(ptr.Deref(s.TimeoutMs, 0)) * time.Millisecond
}

// ConcurrencyLimit returns the configured concurrency, never less than one.
func (s FunctionSpec) ConcurrencyLimit() int {
	return max(1, ptr.Deref(s.Concurrency, 0))
}

// QueueCapacity returns the size of the function's bounded queue, never less than one.
func (s FunctionSpec) QueueCapacity() int {
	return max(1, ptr.Deref(s.QueueSize, 0))
}

// RetryLimit returns the maximum number of attempts an execution gets. A failed attempt is retried only while its
// number is below the limit, so zero and one both mean a single attempt.
func (s FunctionSpec) RetryLimit() int {
	return max(0, ptr.Deref(s.MaxRetries, 0))
}

// ConcurrencyMode returns the concurrency control mode, defaulting to FIXED.
func (s FunctionSpec) ConcurrencyMode() ConcurrencyControlMode {
	if s.Scaling == nil || s.Scaling.ConcurrencyControl == nil || s.Scaling.ConcurrencyControl.Mode == "" {
		return ConcurrencyControlFixed
	}
	return s.Scaling.ConcurrencyControl.Mode
}

// FunctionDefaults are applied by the registry to fields a registration leaves unset.
type FunctionDefaults struct {
	TimeoutMs   int `json:"timeoutMs"`
	Concurrency int `json:"concurrency"`
	QueueSize   int `json:"queueSize"`
	MaxRetries  int `json:"maxRetries"`
}

// DefaultFunctionDefaults returns the built-in function defaults.
func DefaultFunctionDefaults() FunctionDefaults {
	return FunctionDefaults{
		TimeoutMs:   30_000,
		Concurrency: 4,
		QueueSize:   100,
		MaxRetries:  3,
	}
}
