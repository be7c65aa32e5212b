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

package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"stratus/gateway/cache"
	"stratus/gateway/shared/apierror"
)

// reservedSubdomains never identify a tenant
var reservedSubdomains = map[string]bool{
	"www":    true,
	"api":    true,
	"app":    true,
	"status": true,
}

// Resolver extracts the tenant for a request and loads its context,
// cache-aside over the shared cache capability.
type Resolver struct {
	store    Store
	cache    cache.Store
	cacheTTL time.Duration
}

// NewResolver builds a resolver over the given directory and cache.
// ttl <= 0 defaults to 5 minutes.
func NewResolver(store Store, c cache.Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{store: store, cache: c, cacheTTL: ttl}
}

// Extract derives the tenant ID for a request without touching the
// directory. Sources are tried in a fixed order and the first hit wins:
// the X-Tenant-ID header, the identity's tenant claim, the host
// subdomain, then a /tenant/{id}/ path prefix. An empty string means
// no source produced a tenant.
func (r *Resolver) Extract(req *http.Request, id *Identity) string {
	if v := strings.TrimSpace(req.Header.Get("X-Tenant-ID")); v != "" {
		return v
	}
	if id != nil && id.PrimaryTenant != "" {
		return id.PrimaryTenant
	}
	if v := subdomainTenant(req.Host); v != "" {
		return v
	}
	return pathTenant(req.URL.Path)
}

// Resolve loads the tenant context for tenantID, serving from cache when
// possible. Inactive tenants return TENANT_INACTIVE, unknown tenants
// TENANT_NOT_FOUND. Directory failures surface as upstream errors rather
// than falling back to a default tenant.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Context, error) {
	if tenantID == "" {
		return nil, apierror.MissingTenant()
	}

	key := cacheKey(tenantID)
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			var tc Context
			if err := json.Unmarshal(raw, &tc); err == nil {
				if !tc.Active {
					return nil, apierror.TenantInactive(tenantID)
				}
				return &tc, nil
			}
			// Corrupt entry: drop it and fall through to the directory
			_ = r.cache.Invalidate(ctx, key)
		}
	}

	tc, err := r.store.Load(ctx, tenantID)
	if err != nil {
		if err == ErrNotFound {
			return nil, apierror.NotFound("tenant", tenantID)
		}
		return nil, apierror.Upstream("tenant-directory", 0, err.Error())
	}

	// Cache writes are advisory: a failure is logged, never surfaced.
	// Inactive tenants are cached too so repeated lookups stay cheap.
	if r.cache != nil {
		if raw, err := json.Marshal(tc); err == nil {
			if err := r.cache.Set(ctx, key, raw, r.cacheTTL); err != nil {
				log.Printf("[TenantResolver] cache write failed for %s: %v", tenantID, err)
			}
		}
	}

	if !tc.Active {
		return nil, apierror.TenantInactive(tenantID)
	}
	return tc, nil
}

// Invalidate drops the cached context for tenantID so the next resolve
// reloads from the directory.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, cacheKey(tenantID))
}

func cacheKey(tenantID string) string {
	return fmt.Sprintf("tenant:ctx:%s", tenantID)
}

// subdomainTenant returns the left-most host label unless it is reserved
// or the host has no subdomain.
func subdomainTenant(host string) string {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	if reservedSubdomains[labels[0]] {
		return ""
	}
	return labels[0]
}

// pathTenant matches a /tenant/{id}/... prefix
func pathTenant(path string) string {
	const prefix = "/tenant/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	id, _, _ := strings.Cut(rest, "/")
	return id
}
