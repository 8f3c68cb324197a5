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
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
)

const (
	// DefaultTTL is how long a terminal record is kept.
	DefaultTTL = 5 * time.Minute
	// DefaultStaleTTL is how long a record of any state is kept.
	DefaultStaleTTL = 10 * time.Minute
	// DefaultIdempotencyTTL is how long an idempotency key maps to its execution.
	DefaultIdempotencyTTL = 15 * time.Minute
)

// StoreConfig holds the retention settings of the execution stores.
type StoreConfig struct {
	TTL            time.Duration
	StaleTTL       time.Duration
	IdempotencyTTL time.Duration
}

// StoreConfigOption modifies a StoreConfig.
type StoreConfigOption func(*StoreConfig)

// WithTTL sets the retention of terminal records.
func WithTTL(d time.Duration) StoreConfigOption {
	return func(c *StoreConfig) { c.TTL = d }
}

// WithStaleTTL sets the retention of records regardless of state.
func WithStaleTTL(d time.Duration) StoreConfigOption {
	return func(c *StoreConfig) { c.StaleTTL = d }
}

// WithIdempotencyTTL sets the retention of idempotency keys.
func WithIdempotencyTTL(d time.Duration) StoreConfigOption {
	return func(c *StoreConfig) { c.IdempotencyTTL = d }
}

// NewStoreConfig returns a validated StoreConfig with defaults applied for unset values.
func NewStoreConfig(opts ...StoreConfigOption) (*StoreConfig, error) {
	c := &StoreConfig{}
	for _, opt := range opts {
		opt(c)
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.StaleTTL == 0 {
		c.StaleTTL = DefaultStaleTTL
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *StoreConfig) validate() error {
	if c.TTL < 0 || c.StaleTTL < 0 || c.IdempotencyTTL < 0 {
		return errors.New("execution store TTLs must not be negative")
	}
	if c.StaleTTL < c.TTL {
		return errors.New("execution store staleTTL must not be shorter than ttl")
	}
	return nil
}

// Store keeps execution records by ID. Records of any state expire after the stale TTL; once a record becomes terminal
// its expiry is re-armed to the shorter terminal TTL.
type Store struct {
	cache  *ttlcache.Cache[string, *Record]
	ttl    time.Duration
	logger logr.Logger
}

// NewStore creates a Store. Call Start to run background expiry.
func NewStore(cfg *StoreConfig, logger logr.Logger) *Store {
	s := &Store{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *Record](cfg.StaleTTL),
			ttlcache.WithDisableTouchOnHit[string, *Record](),
		),
		ttl:    cfg.TTL,
		logger: logger.WithName("execution-store"),
	}
	s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Record]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.logger.V(logutil.TRACE).Info("Evicted execution record", "executionID", item.Key(),
				"state", item.Value().State())
		}
		metrics.RecordExecutionStoreSize(s.cache.Len())
	})
	return s
}

// Put stores r, replacing any record with the same ID.
func (s *Store) Put(r *Record) {
	r.setTerminalHook(s.retain)
	ttl := ttlcache.DefaultTTL
	if r.State().Terminal() {
		ttl = s.ttl
	}
	s.cache.Set(r.ID(), r, ttl)
	metrics.RecordExecutionStoreSize(s.cache.Len())
}

// retain shortens the expiry of a record that became terminal.
func (s *Store) retain(r *Record) {
	item := s.cache.Get(r.ID())
	if item == nil || item.Value() != r {
		return
	}
	s.cache.Set(r.ID(), r, s.ttl)
}

// Get returns the record with the given ID.
func (s *Store) Get(id string) (*Record, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Remove deletes the record with the given ID.
func (s *Store) Remove(id string) {
	s.cache.Delete(id)
}

// Len returns the number of stored records, including expired records not yet swept.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Start runs background expiry until Stop is called. It blocks.
func (s *Store) Start() {
	s.cache.Start()
}

// Stop ends background expiry.
func (s *Store) Stop() {
	s.cache.Stop()
}
