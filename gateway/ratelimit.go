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

package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RateLimiter enforces per-tenant request-per-minute quotas with a
// sliding one-minute window. Allow fails open: a limiter backend outage
// must not take the gateway down with it.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit int) (allowed bool, retryAfter int)
}

// RedisRateLimiter keeps one sorted set of request timestamps per tenant
// so the window is shared across gateway instances.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
}

// NewRedisRateLimiter wraps an existing Redis client
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, window: time.Minute}
}

// Allow counts the request against the tenant's sliding window
func (rl *RedisRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, int) {
	if limit <= 0 {
		return true, 0
	}

	key := fmt.Sprintf("ratelimit:%s", tenantID)
	now := time.Now()
	windowStart := now.Add(-rl.window)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[RateLimiter] redis unavailable, failing open: %v", err)
		return true, 0
	}

	if countCmd.Val() >= int64(limit) {
		return false, retryAfterSeconds(rl.window)
	}

	pipe = rl.client.Pipeline()
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
	})
	pipe.Expire(ctx, key, rl.window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[RateLimiter] redis unavailable, failing open: %v", err)
	}
	return true, 0
}

// MemoryRateLimiter is the single-instance fallback when Redis is not
// configured. Same sliding-window semantics, per-process only.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	window  time.Duration
}

// NewMemoryRateLimiter returns an empty in-process limiter
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string][]time.Time),
		window:  time.Minute,
	}
}

// Allow counts the request against the tenant's in-process window
func (rl *MemoryRateLimiter) Allow(_ context.Context, tenantID string, limit int) (bool, int) {
	if limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	kept := rl.windows[tenantID][:0]
	for _, ts := range rl.windows[tenantID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		rl.windows[tenantID] = kept
		return false, retryAfterSeconds(rl.window)
	}
	rl.windows[tenantID] = append(kept, now)
	return true, 0
}

func retryAfterSeconds(window time.Duration) int {
	s := int(window / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
