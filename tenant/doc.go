// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package tenant resolves and enforces the tenant isolation boundary for
// every request entering the gateway. It is the single implementation of
// tenant extraction: no other component re-derives tenant identity.
//
// Resolution order (first match wins): X-Tenant-ID header, the identity's
// tenant claim, the request host's subdomain label, a /tenant/{id}/ path
// prefix. Resolved contexts are cached with a TTL in the shared cache
// capability; cache writes are advisory and never block a request.
package tenant
