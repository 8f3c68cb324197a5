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
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/nanofaas/control-plane/pkg/controlplane/ratelimit"
)

// recordingConsumer remembers every rate it was asked to apply and fails on a configured value.
type recordingConsumer struct {
	name    string
	failOn  int
	applied []int
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Apply(s Snapshot) error {
	c.applied = append(c.applied, s.RateMaxPerSecond)
	if s.RateMaxPerSecond == c.failOn {
		return errors.New("simulated failure")
	}
	return nil
}

func newTestManager(t *testing.T, consumers ...Consumer) (*Manager, *Service) {
	t.Helper()
	svc := NewService(testDefaults())
	m, err := NewManager(svc, NewApplier(consumers...), logr.Discard())
	require.NoError(t, err)
	return m, svc
}

func TestManager_PatchSuccessUpdatesRateLimiter(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(1000, nil)
	m, _ := newTestManager(t, RateLimitConsumer(limiter))

	updated, err := m.Patch(0, Patch{RateMaxPerSecond: ptr.To(500)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Revision)
	assert.Equal(t, 500, limiter.MaxPerSecond())
	assert.Equal(t, updated, m.Snapshot())
}

func TestManager_PatchApplyFailureRollsBack(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(1000, nil)
	first := &recordingConsumer{name: "first"}
	failing := &recordingConsumer{name: "failing", failOn: 999}
	last := &recordingConsumer{name: "last"}
	m, svc := newTestManager(t, RateLimitConsumer(limiter), first, failing, last)

	_, err := m.Patch(0, Patch{RateMaxPerSecond: ptr.To(999)})
	require.ErrorIs(t, err, ErrApplyFailed)
	assert.ErrorContains(t, err, "failing")

	assert.Equal(t, 1000, limiter.MaxPerSecond(), "rate limiter should be restored")
	assert.Equal(t, int64(0), svc.Snapshot().Revision, "snapshot should be restored")
	assert.Equal(t, []int{1000, 999, 1000}, first.applied, "consumers before the failure get the previous snapshot back")
	assert.Equal(t, []int{1000, 999, 1000}, failing.applied, "the failing consumer is rolled back too")
	assert.Equal(t, []int{1000}, last.applied, "consumers after the failure never see the failed snapshot")

	// The restored revision is usable again.
	updated, err := m.Patch(0, Patch{RateMaxPerSecond: ptr.To(300)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Revision)
	assert.Equal(t, 300, limiter.MaxPerSecond())
}

func TestManager_PatchErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)

	_, err := m.Patch(0, Patch{RateMaxPerSecond: ptr.To(-5)})
	require.ErrorIs(t, err, ErrInvalidPatch)
	assert.NotErrorIs(t, err, ErrRevisionMismatch)
	assert.Equal(t, int64(0), svc.Snapshot().Revision, "invalid patch must not bump the revision")

	_, err = m.Patch(3, Patch{RateMaxPerSecond: ptr.To(5)})
	require.ErrorIs(t, err, ErrRevisionMismatch)
	assert.NotErrorIs(t, err, ErrInvalidPatch)
}
