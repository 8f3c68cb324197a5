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
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// IdempotencyStore maps (function, idempotency key) to an execution ID for a bounded time.
type IdempotencyStore struct {
	// mu makes check-then-write sequences atomic; the cache handles expiry.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

// NewIdempotencyStore creates a store whose entries expire after ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func idempotencyKey(function, key string) string {
	return function + "\x00" + key
}

// PutIfAbsent maps the key to executionID unless a mapping exists. It returns the existing execution ID and true if
// one was found.
func (s *IdempotencyStore) PutIfAbsent(function, key, executionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, loaded := s.cache.GetOrSet(idempotencyKey(function, key), executionID)
	return item.Value(), loaded
}

// Replace overwrites the mapping only if it still points to expected. It reports whether the mapping was replaced.
func (s *IdempotencyStore) Replace(function, key, expected, executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey(function, key)
	if item := s.cache.Get(k); item != nil && item.Value() != expected {
		return false
	}
	s.cache.Set(k, executionID, ttlcache.DefaultTTL)
	return true
}

// Put maps the key to executionID unconditionally.
func (s *IdempotencyStore) Put(function, key, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(idempotencyKey(function, key), executionID, ttlcache.DefaultTTL)
}

// Get returns the execution ID mapped to the key.
func (s *IdempotencyStore) Get(function, key string) (string, bool) {
	item := s.cache.Get(idempotencyKey(function, key))
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// Remove deletes the mapping only if it still points to executionID.
func (s *IdempotencyStore) Remove(function, key, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey(function, key)
	if item := s.cache.Get(k); item != nil && item.Value() == executionID {
		s.cache.Delete(k)
	}
}

// Len returns the number of mappings.
func (s *IdempotencyStore) Len() int {
	return s.cache.Len()
}

// Start runs background expiry until Stop is called. It blocks.
func (s *IdempotencyStore) Start() {
	s.cache.Start()
}

// Stop ends background expiry.
func (s *IdempotencyStore) Stop() {
	s.cache.Stop()
}
