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

package execution

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

func newStoreRecord(id string) *Record {
	return NewRecord(types.NewInvocationTask(id, types.FunctionSpec{Name: "echo"}, types.InvocationRequest{}, "", "",
		time.Now()))
}

func TestNewStoreConfig(t *testing.T) {
	t.Parallel()

	cfg, err := NewStoreConfig()
	require.NoError(t, err)
	assert.Equal(t, &StoreConfig{TTL: DefaultTTL, StaleTTL: DefaultStaleTTL, IdempotencyTTL: DefaultIdempotencyTTL}, cfg)

	_, err = NewStoreConfig(WithTTL(time.Hour), WithStaleTTL(time.Minute))
	assert.Error(t, err, "staleTTL shorter than ttl should be rejected")

	_, err = NewStoreConfig(WithIdempotencyTTL(-time.Second))
	assert.Error(t, err)
}

func TestStore_PutGetRemove(t *testing.T) {
	t.Parallel()
	cfg, err := NewStoreConfig()
	require.NoError(t, err)
	s := NewStore(cfg, logr.Discard())

	r := newStoreRecord("a")
	s.Put(r)
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Equal(t, 1, s.Len())

	s.Remove("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestStore_TerminalRecordsExpireFirst(t *testing.T) {
	t.Parallel()
	cfg, err := NewStoreConfig(WithTTL(50*time.Millisecond), WithStaleTTL(time.Hour))
	require.NoError(t, err)
	s := NewStore(cfg, logr.Discard())
	go s.Start()
	t.Cleanup(s.Stop)

	terminal := newStoreRecord("done")
	pending := newStoreRecord("pending")
	s.Put(terminal)
	s.Put(pending)
	terminal.MarkTimeout()

	assert.Eventually(t, func() bool {
		_, ok := s.Get("done")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := s.Get("pending")
	assert.True(t, ok, "non-terminal record should be kept until the stale TTL")
}

func TestStore_StaleRecordsExpire(t *testing.T) {
	t.Parallel()
	cfg, err := NewStoreConfig(WithTTL(10*time.Millisecond), WithStaleTTL(50*time.Millisecond))
	require.NoError(t, err)
	s := NewStore(cfg, logr.Discard())
	go s.Start()
	t.Cleanup(s.Stop)

	s.Put(newStoreRecord("stuck"))
	assert.Eventually(t, func() bool {
		_, ok := s.Get("stuck")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdempotencyStore(t *testing.T) {
	t.Parallel()
	s := NewIdempotencyStore(time.Hour)

	existing, loaded := s.PutIfAbsent("echo", "k1", "exec-1")
	assert.False(t, loaded)
	assert.Equal(t, "exec-1", existing)

	existing, loaded = s.PutIfAbsent("echo", "k1", "exec-2")
	assert.True(t, loaded)
	assert.Equal(t, "exec-1", existing)

	_, loaded = s.PutIfAbsent("other", "k1", "exec-3")
	assert.False(t, loaded, "keys are scoped per function")

	assert.False(t, s.Replace("echo", "k1", "exec-9", "exec-4"))
	assert.True(t, s.Replace("echo", "k1", "exec-1", "exec-4"))
	id, ok := s.Get("echo", "k1")
	require.True(t, ok)
	assert.Equal(t, "exec-4", id)

	s.Remove("echo", "k1", "exec-1")
	_, ok = s.Get("echo", "k1")
	assert.True(t, ok, "removal must not drop a mapping owned by another execution")
	s.Remove("echo", "k1", "exec-4")
	_, ok = s.Get("echo", "k1")
	assert.False(t, ok)

	s.Put("echo", "k2", "exec-5")
	assert.Equal(t, 2, s.Len())
}

func TestIdempotencyStore_Expiry(t *testing.T) {
	t.Parallel()
	s := NewIdempotencyStore(30 * time.Millisecond)
	go s.Start()
	t.Cleanup(s.Stop)

	s.Put("echo", "k", "exec-1")
	assert.Eventually(t, func() bool {
		_, ok := s.Get("echo", "k")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
