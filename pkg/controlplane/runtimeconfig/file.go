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
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// FileConfig is the optional bootstrap file of the control plane. Only the fields under the top level and `syncQueue`
// that also appear in Snapshot are hot-reloadable afterwards; everything else is fixed at start.
type FileConfig struct {
	RateMaxPerSecond  *int                    `json:"rateMaxPerSecond,omitempty"`
	AsyncQueueEnabled *bool                   `json:"asyncQueueEnabled,omitempty"`
	SyncQueue         SyncQueueFileConfig     `json:"syncQueue,omitempty"`
	Execution         ExecutionFileConfig     `json:"execution,omitempty"`
	FunctionDefaults  *types.FunctionDefaults `json:"functionDefaults,omitempty"`
	// Functions are registered at start-up, after defaults are applied.
	Functions []types.FunctionSpec `json:"functions,omitempty"`
}

// SyncQueueFileConfig configures the synchronous invocation queue.
type SyncQueueFileConfig struct {
	Enabled           *bool            `json:"enabled,omitempty"`
	AdmissionEnabled  *bool            `json:"admissionEnabled,omitempty"`
	MaxEstimatedWait  *metav1.Duration `json:"maxEstimatedWait,omitempty"`
	MaxQueueWait      *metav1.Duration `json:"maxQueueWait,omitempty"`
	RetryAfterSeconds *int             `json:"retryAfterSeconds,omitempty"`
	// The fields below are static.
	MaxDepth              *int             `json:"maxDepth,omitempty"`
	ThroughputWindow      *metav1.Duration `json:"throughputWindow,omitempty"`
	PerFunctionMinSamples *int             `json:"perFunctionMinSamples,omitempty"`
}

// ExecutionFileConfig configures execution record retention.
type ExecutionFileConfig struct {
	TTL            *metav1.Duration `json:"ttl,omitempty"`
	StaleTTL       *metav1.Duration `json:"staleTtl,omitempty"`
	IdempotencyTTL *metav1.Duration `json:"idempotencyTtl,omitempty"`
}

// LoadFile reads and parses a bootstrap file.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return LoadConfig(raw)
}

// LoadConfig parses a bootstrap config from YAML or JSON bytes. Unknown fields are rejected.
func LoadConfig(raw []byte) (*FileConfig, error) {
	cfg := &FileConfig{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("the configuration is invalid - %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate applies the same rules as a runtime patch to the hot-reloadable fields.
func (c *FileConfig) validate() error {
	return Validate(c.Patch())
}

// Patch returns the hot-reloadable part of the file as a runtime config patch.
func (c *FileConfig) Patch() Patch {
	return Patch{
		RateMaxPerSecond:           c.RateMaxPerSecond,
		SyncQueueEnabled:           c.SyncQueue.Enabled,
		SyncQueueAdmissionEnabled:  c.SyncQueue.AdmissionEnabled,
		SyncQueueMaxEstimatedWait:  durationPtr(c.SyncQueue.MaxEstimatedWait),
		SyncQueueMaxQueueWait:      durationPtr(c.SyncQueue.MaxQueueWait),
		SyncQueueRetryAfterSeconds: c.SyncQueue.RetryAfterSeconds,
	}
}

// ApplyTo overlays the file's hot-reloadable values onto d.
func (c *FileConfig) ApplyTo(d Defaults) Defaults {
	s := d.snapshot().applyPatch(c.Patch())
	return Defaults{
		RateMaxPerSecond:           s.RateMaxPerSecond,
		SyncQueueEnabled:           s.SyncQueueEnabled,
		SyncQueueAdmissionEnabled:  s.SyncQueueAdmissionEnabled,
		SyncQueueMaxEstimatedWait:  s.SyncQueueMaxEstimatedWait,
		SyncQueueMaxQueueWait:      s.SyncQueueMaxQueueWait,
		SyncQueueRetryAfterSeconds: s.SyncQueueRetryAfterSeconds,
	}
}

func durationPtr(d *metav1.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	return ptr.To(d.Duration)
}
