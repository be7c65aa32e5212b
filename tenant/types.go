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
	"sort"
	"time"
)

// Context is the per-request snapshot of the tenant isolation boundary.
// It is read-only once resolved; the resolver's cache owns the lifecycle.
type Context struct {
	TenantID string           `json:"tenant_id"`
	Name     string           `json:"name"`
	Tier     string           `json:"tier"`
	Features []string         `json:"features"`
	Quotas   map[string]int64 `json:"quotas"`
	Active   bool             `json:"active"`
	LoadedAt time.Time        `json:"loaded_at"`
}

// Normalize sorts the feature set so cached snapshots serialize
// deterministically.
func (c *Context) Normalize() {
	sort.Strings(c.Features)
}

// HasFeature reports whether the tenant's plan includes the named feature
func (c *Context) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Quota returns the named quota limit and whether it is set
func (c *Context) Quota(name string) (int64, bool) {
	limit, ok := c.Quotas[name]
	return limit, ok
}

// Permission is a closed (resource, action, scope) triple matched
// structurally. ActionAny is the only wildcard; there is no prefix-glob
// matching.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Scope    string `json:"scope,omitempty"`
}

// ActionAny grants every action on a resource
const ActionAny = "*"

// Allows reports whether this permission covers the given resource/action
func (p Permission) Allows(resource, action string) bool {
	if p.Resource != resource {
		return false
	}
	return p.Action == action || p.Action == ActionAny
}

// Identity is the validated caller identity with its tenant claims.
// Credential verification happens upstream; the gateway only reads claims.
type Identity struct {
	Subject       string       `json:"sub"`
	Email         string       `json:"email,omitempty"`
	PrimaryTenant string       `json:"tenant_id"`
	Tenants       []string     `json:"available_tenants,omitempty"`
	Permissions   []Permission `json:"permissions,omitempty"`
}

// CanAccessTenant reports whether tenantID is the identity's primary tenant
// or in its available-tenants set.
func (i *Identity) CanAccessTenant(tenantID string) bool {
	if tenantID == i.PrimaryTenant {
		return true
	}
	for _, t := range i.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Can reports whether any of the identity's permissions covers the
// resource/action pair.
func (i *Identity) Can(resource, action string) bool {
	for _, p := range i.Permissions {
		if p.Allows(resource, action) {
			return true
		}
	}
	return false
}
