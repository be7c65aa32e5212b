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
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"stratus/gateway/shared/apierror"
	"stratus/gateway/shared/logger"
)

type contextKey string

const (
	tenantContextKey   contextKey = "stratus.tenant"
	identityContextKey contextKey = "stratus.identity"
)

// WithContext attaches a resolved tenant context to the request context
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// FromContext returns the tenant context attached by the middleware.
// ok is false on exempt routes.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(tenantContextKey).(*Context)
	return tc, ok
}

// WithIdentity attaches a validated identity to the request context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the caller identity, if any
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// ExemptPolicy decides which requests bypass tenant resolution. The
// routing table implements it so exemption is route metadata, not a
// path-string check buried in middleware.
type ExemptPolicy interface {
	TenantExempt(method, path string) bool
}

// Middleware resolves the tenant boundary for every non-exempt request
// and rejects cross-tenant access before any handler runs.
type Middleware struct {
	resolver  *Resolver
	exempt    ExemptPolicy
	jwtSecret []byte
	log       *logger.Logger
}

// NewMiddleware wires the tenant middleware. jwtSecret may be empty when
// an upstream proxy has already verified tokens; claims are still read.
func NewMiddleware(resolver *Resolver, exempt ExemptPolicy, jwtSecret string, log *logger.Logger) *Middleware {
	return &Middleware{
		resolver:  resolver,
		exempt:    exempt,
		jwtSecret: []byte(jwtSecret),
		log:       log,
	}
}

// Handler enforces tenant resolution around next
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.exempt != nil && m.exempt.TenantExempt(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")

		identity := m.identityFromRequest(r)
		tenantID := m.resolver.Extract(r, identity)
		if tenantID == "" {
			apierror.Write(w, apierror.MissingTenant())
			return
		}

		// A caller may only act as a tenant its identity grants
		if identity != nil && !identity.CanAccessTenant(tenantID) {
			m.log.Warn(tenantID, requestID, "cross-tenant access rejected", map[string]interface{}{
				"subject": identity.Subject,
			})
			apierror.Write(w, apierror.TenantMismatch(tenantID))
			return
		}

		tc, err := m.resolver.Resolve(r.Context(), tenantID)
		if err != nil {
			apierror.Write(w, err)
			return
		}

		ctx := WithContext(r.Context(), tc)
		if identity != nil {
			ctx = WithIdentity(ctx, identity)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFromRequest reads the bearer token's claims. Invalid or absent
// tokens yield a nil identity; authentication itself is enforced upstream.
func (m *Middleware) identityFromRequest(r *http.Request) *Identity {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	var err error
	if len(m.jwtSecret) > 0 {
		_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.jwtSecret, nil
		})
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(raw, claims)
	}
	if err != nil {
		return nil
	}

	id := &Identity{}
	if v, ok := claims["sub"].(string); ok {
		id.Subject = v
	}
	if v, ok := claims["email"].(string); ok {
		id.Email = v
	}
	if v, ok := claims["tenant_id"].(string); ok {
		id.PrimaryTenant = v
	}
	if vs, ok := claims["available_tenants"].([]interface{}); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok {
				id.Tenants = append(id.Tenants, s)
			}
		}
	}
	if vs, ok := claims["permissions"].([]interface{}); ok {
		for _, v := range vs {
			p, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			perm := Permission{}
			if s, ok := p["resource"].(string); ok {
				perm.Resource = s
			}
			if s, ok := p["action"].(string); ok {
				perm.Action = s
			}
			if s, ok := p["scope"].(string); ok {
				perm.Scope = s
			}
			if perm.Resource != "" {
				id.Permissions = append(id.Permissions, perm)
			}
		}
	}
	if id.Subject == "" && id.PrimaryTenant == "" {
		return nil
	}
	return id
}
