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

package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratus/gateway/cache"
	"stratus/gateway/shared/logger"
)

func newTestAggregator(c cache.Store) *Aggregator {
	a := New(c, logger.New("aggregator-test"))
	a.SetFetchTimeout(100 * time.Millisecond)
	return a
}

func staticFetcher(v interface{}) Fetcher {
	return func(context.Context, string) (interface{}, error) { return v, nil }
}

func failingFetcher(msg string) Fetcher {
	return func(context.Context, string) (interface{}, error) { return nil, errors.New(msg) }
}

func TestAggregatePartialFailure(t *testing.T) {
	a := newTestAggregator(nil)
	a.Register("profile", staticFetcher(map[string]interface{}{"name": "Pat"}))
	a.Register("billing", failingFetcher("billing service down"))
	a.Register("usage", staticFetcher(map[string]interface{}{"requests": 42}))

	resp, err := a.Aggregate(context.Background(), "u1", []string{"profile", "billing", "usage"}, Options{})
	require.NoError(t, err, "partial failure is never an aggregate error")

	require.Len(t, resp.Sections, 3, "every requested section must be present")
	assert.NotNil(t, resp.Sections["profile"])
	assert.Nil(t, resp.Sections["billing"], "failed section must be an explicit null")
	assert.NotNil(t, resp.Sections["usage"])
}

func TestAggregateTimeoutIsNull(t *testing.T) {
	a := newTestAggregator(nil)
	a.Register("slow", func(ctx context.Context, _ string) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	a.Register("fast", staticFetcher("ok"))

	start := time.Now()
	resp, err := a.Aggregate(context.Background(), "u1", []string{"slow", "fast"}, Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "one slow section must not stall the aggregate")
	assert.Nil(t, resp.Sections["slow"])
	assert.Equal(t, "ok", resp.Sections["fast"])
}

func TestAggregateUnknownSectionsIgnored(t *testing.T) {
	a := newTestAggregator(nil)
	a.Register("profile", staticFetcher("p"))

	resp, err := a.Aggregate(context.Background(), "u1", []string{"profile", "nope"}, Options{})
	require.NoError(t, err)
	assert.Len(t, resp.Sections, 1)
	_, present := resp.Sections["nope"]
	assert.False(t, present)
}

func TestAggregateConcurrent(t *testing.T) {
	a := newTestAggregator(nil)
	var inFlight, peak int32
	slowish := func(context.Context, string) (interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	}
	a.Register("a", slowish)
	a.Register("b", slowish)
	a.Register("c", slowish)

	start := time.Now()
	_, err := a.Aggregate(context.Background(), "u1", []string{"a", "b", "c"}, Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 90*time.Millisecond, "sections must fetch concurrently")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestAggregateCache(t *testing.T) {
	c := cache.NewMemoryStore()
	a := newTestAggregator(c)

	calls := 0
	a.Register("profile", func(context.Context, string) (interface{}, error) {
		calls++
		return map[string]interface{}{"name": "Pat"}, nil
	})

	_, err := a.Aggregate(context.Background(), "u1", []string{"profile"}, Options{})
	require.NoError(t, err)
	resp, err := a.Aggregate(context.Background(), "u1", []string{"profile"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second aggregate must be served from cache")
	assert.True(t, resp.FromCache)

	// Bypass forces a fresh fan-out
	resp, err = a.Aggregate(context.Background(), "u1", []string{"profile"}, Options{BypassCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, resp.FromCache)
}

func TestAggregateCacheKeyOrderInsensitive(t *testing.T) {
	c := cache.NewMemoryStore()
	a := newTestAggregator(c)

	calls := 0
	counter := func(context.Context, string) (interface{}, error) { calls++; return "v", nil }
	a.Register("a", counter)
	a.Register("b", counter)

	_, err := a.Aggregate(context.Background(), "u1", []string{"a", "b"}, Options{})
	require.NoError(t, err)
	_, err = a.Aggregate(context.Background(), "u1", []string{"b", "a"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "section order must not change the cache key")
}

func TestAggregatePartialNotCached(t *testing.T) {
	c := cache.NewMemoryStore()
	a := newTestAggregator(c)

	healthy := false
	a.Register("flaky", func(context.Context, string) (interface{}, error) {
		if !healthy {
			return nil, errors.New("down")
		}
		return "recovered", nil
	})

	resp, err := a.Aggregate(context.Background(), "u1", []string{"flaky"}, Options{})
	require.NoError(t, err)
	assert.Nil(t, resp.Sections["flaky"])

	healthy = true
	resp, err = a.Aggregate(context.Background(), "u1", []string{"flaky"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Sections["flaky"], "a failed aggregate must not be cached")
}

func TestResponseMarshal(t *testing.T) {
	resp := &Response{
		Sections:    map[string]interface{}{"profile": map[string]interface{}{"name": "Pat"}, "billing": nil},
		GeneratedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "2025-06-01T12:00:00Z", decoded["generated_at"])
	assert.Contains(t, decoded, "billing")
	assert.Nil(t, decoded["billing"])
}
