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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stratus/gateway/cache"
	"stratus/gateway/shared/logger"
)

// Fetcher loads one named section for a subject. Fetchers run
// concurrently and must be independent of each other.
type Fetcher func(ctx context.Context, subjectID string) (interface{}, error)

// Options tunes one aggregation call
type Options struct {
	// BypassCache skips the cache read; the result is still written back
	BypassCache bool
}

// Response is an assembled aggregate. Every requested section is present
// in Sections; a failed or timed-out fetch is an explicit null, so the
// caller can always distinguish "failed" from "not requested".
type Response struct {
	Sections    map[string]interface{}
	GeneratedAt time.Time
	FromCache   bool
}

// MarshalJSON flattens sections to top-level keys next to generated_at
func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Sections)+1)
	for k, v := range r.Sections {
		out[k] = v
	}
	out["generated_at"] = r.GeneratedAt.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// Aggregator fans out to registered section fetchers and merges their
// results into one response.
type Aggregator struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher

	cache        cache.Store
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	log          *logger.Logger
}

// New builds an empty aggregator. The cache is optional; a nil store
// disables result caching.
func New(c cache.Store, log *logger.Logger) *Aggregator {
	return &Aggregator{
		fetchers:     make(map[string]Fetcher),
		cache:        c,
		cacheTTL:     30 * time.Second,
		fetchTimeout: 5 * time.Second,
		log:          log,
	}
}

// SetCacheTTL overrides the result-cache TTL
func (a *Aggregator) SetCacheTTL(ttl time.Duration) { a.cacheTTL = ttl }

// SetFetchTimeout overrides the per-fetcher deadline
func (a *Aggregator) SetFetchTimeout(d time.Duration) { a.fetchTimeout = d }

// Register adds a named section fetcher. Registering an existing name
// replaces it.
func (a *Aggregator) Register(section string, f Fetcher) {
	a.mu.Lock()
	a.fetchers[section] = f
	a.mu.Unlock()
}

// Sections lists the registered section names, sorted
func (a *Aggregator) Sections() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.fetchers))
	for name := range a.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregate assembles the requested sections for a subject. Section
// names without a registered fetcher are ignored. Fetchers run
// concurrently, each under its own deadline; a failure or timeout
// yields null for that section and never fails the aggregate.
func (a *Aggregator) Aggregate(ctx context.Context, subjectID string, sections []string, opts Options) (*Response, error) {
	a.mu.RLock()
	known := make([]string, 0, len(sections))
	fetchers := make([]Fetcher, 0, len(sections))
	seen := make(map[string]bool, len(sections))
	for _, s := range sections {
		if seen[s] {
			continue
		}
		seen[s] = true
		if f, ok := a.fetchers[s]; ok {
			known = append(known, s)
			fetchers = append(fetchers, f)
		}
	}
	a.mu.RUnlock()

	key := aggregateKey(subjectID, known)
	if a.cache != nil && !opts.BypassCache {
		if raw, ok, err := a.cache.Get(ctx, key); err == nil && ok {
			var sectionsMap map[string]interface{}
			if err := json.Unmarshal(raw, &sectionsMap); err == nil {
				return &Response{Sections: sectionsMap, GeneratedAt: time.Now(), FromCache: true}, nil
			}
		}
	}

	// Fan out: one goroutine per section, joined by index so the merge
	// needs no locking.
	results := make([]interface{}, len(known))
	var wg sync.WaitGroup
	for i := range known {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
			defer cancel()

			data, err := fetchers[i](fctx, subjectID)
			if err != nil {
				a.log.Warn(subjectID, "", "section fetch failed", map[string]interface{}{
					"section": known[i],
					"error":   err.Error(),
				})
				return // slot stays nil
			}
			results[i] = data
		}(i)
	}
	wg.Wait()

	resp := &Response{
		Sections:    make(map[string]interface{}, len(known)),
		GeneratedAt: time.Now(),
	}
	allOK := true
	for i, name := range known {
		resp.Sections[name] = results[i]
		if results[i] == nil {
			allOK = false
		}
	}

	// Only fully-successful aggregates are cached; a cached null would
	// mask recovery for the whole TTL.
	if a.cache != nil && allOK && len(known) > 0 {
		if raw, err := json.Marshal(resp.Sections); err == nil {
			_ = a.cache.Set(ctx, key, raw, a.cacheTTL)
		}
	}
	return resp, nil
}

// Invalidate drops the cached aggregate for one subject+section set
func (a *Aggregator) Invalidate(ctx context.Context, subjectID string, sections []string) error {
	if a.cache == nil {
		return nil
	}
	a.mu.RLock()
	known := make([]string, 0, len(sections))
	for _, s := range sections {
		if _, ok := a.fetchers[s]; ok {
			known = append(known, s)
		}
	}
	a.mu.RUnlock()
	return a.cache.Invalidate(ctx, aggregateKey(subjectID, known))
}

// aggregateKey is stable under section ordering
func aggregateKey(subjectID string, sections []string) string {
	sorted := make([]string, len(sections))
	copy(sorted, sections)
	sort.Strings(sorted)
	return fmt.Sprintf("aggregate:%s:%s", subjectID, strings.Join(sorted, ","))
}
