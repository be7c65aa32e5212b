// Copyright 2025 Stratus
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"sync"
	"time"
)

// entry holds a cached value with its expiration
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// MemoryStore is a thread-safe in-memory Store with per-entry TTL.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	statsMu sync.Mutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
	}
}

// Get retrieves a value; expired entries count as misses
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists || e.isExpired() {
		s.recordMiss()
		return nil, false, nil
	}

	s.recordHit()
	return e.value, true, nil
}

// Set stores a value with the given TTL
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Invalidate removes a key
func (s *MemoryStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		delete(s.entries, key)
		s.recordEviction()
	}
	return nil
}

// Cleanup removes expired entries and returns the count removed.
// Should be called periodically (e.g., every minute).
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, e := range s.entries {
		if e.isExpired() {
			delete(s.entries, key)
			evicted++
		}
	}

	if evicted > 0 {
		s.statsMu.Lock()
		s.stats.Evictions += int64(evicted)
		s.statsMu.Unlock()
	}

	return evicted
}

// GetStats returns a copy of the cache counters
func (s *MemoryStore) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// HitRate returns the cache hit rate as a percentage (0-100)
func (s *MemoryStore) HitRate() float64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	total := s.stats.Hits + s.stats.Misses
	if total == 0 {
		return 0
	}
	return float64(s.stats.Hits) / float64(total) * 100
}

func (s *MemoryStore) recordHit() {
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
}

func (s *MemoryStore) recordMiss() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *MemoryStore) recordEviction() {
	s.statsMu.Lock()
	s.stats.Evictions++
	s.statsMu.Unlock()
}
