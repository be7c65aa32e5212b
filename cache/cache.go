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
	"time"
)

// Store is the shared cache capability: get/set/invalidate with TTL.
// Entries are idempotent derivations of authoritative state, so writes are
// last-writer-wins and staleness self-corrects at the next TTL expiry.
// Callers treat writes as advisory: a failed Set never blocks a request.
type Store interface {
	// Get returns the cached value and true on a hit. A miss is (nil,
	// false, nil); errors are reserved for backend failures.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes key. Removing an absent key is not an error.
	Invalidate(ctx context.Context, key string) error
}

// Stats tracks cache performance counters
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}
