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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratus/gateway/aggregator"
	"stratus/gateway/cache"
	"stratus/gateway/router"
	"stratus/gateway/shared/logger"
	"stratus/gateway/shared/retry"
	"stratus/gateway/tenant"
	"stratus/gateway/workflow"
)

type testGateway struct {
	handler http.Handler
	engine  *workflow.FakeEngine
	agg     *aggregator.Aggregator
	limiter *MemoryRateLimiter
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	registerMetrics()

	store := tenant.NewStaticStore(
		tenant.Context{TenantID: "acme", Name: "Acme", Tier: "enterprise",
			Quotas: map[string]int64{"requests_per_minute": 1000}, Active: true},
		tenant.Context{TenantID: "globex", Name: "Globex", Tier: "pro", Active: true},
		tenant.Context{TenantID: "sync", Name: "Sync Industries", Tier: "pro", Active: true},
		tenant.Context{TenantID: "acme_corp", Name: "Acme Corporation", Tier: "pro", Active: true},
		tenant.Context{TenantID: "dormant", Name: "Dormant", Tier: "free", Active: false},
	)
	resolver := tenant.NewResolver(store, cache.NewMemoryStore(), time.Minute)

	engine := workflow.NewFakeEngine()
	cfg := &retry.Config{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2.0}
	envelope := workflow.NewEnvelope(engine, logger.New("test"), cfg)

	table, err := router.NewTable(defaultRoutes())
	require.NoError(t, err)

	dispatcher := router.NewDispatcher(envelope, router.NewServiceClient(nil), logger.New("test"))
	dispatcher.SyncWait = 100 * time.Millisecond
	dispatcher.PollInitial = 5 * time.Millisecond

	agg := aggregator.New(cache.NewMemoryStore(), logger.New("test"))
	agg.SetFetchTimeout(100 * time.Millisecond)

	limiter := NewMemoryRateLimiter()
	middleware := tenant.NewMiddleware(resolver, table, "", logger.New("test"))

	srv := NewServer(logger.New("test"), table, dispatcher, envelope, agg, middleware, limiter)

	return &testGateway{
		handler: srv.Routes(nil),
		engine:  engine,
		agg:     agg,
		limiter: limiter,
	}
}

func (g *testGateway) do(method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func acmeHeaders() map[string]string {
	return map[string]string{"X-Tenant-ID": "acme"}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealthNeedsNoTenant(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestRoutedAsyncWorkflow(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/imports", `{"source":"s3://bucket/x.csv"}`, map[string]string{
		"X-Tenant-ID":    "acme",
		"X-Operation-ID": "import-7",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "Asynchronous", body["type"])
	assert.Equal(t, "bulk-import-acme-import-7", body["operation_id"])
	assert.Equal(t, "/api/v1/workflows/bulk-import-acme-import-7/status", body["status_url"])
	assert.NotEmpty(t, body["stream_url"])
}

func TestRoutedMissingTenant(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do("POST", "/api/v1/imports", "{}", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "TENANT_MISSING")
}

func TestRoutedInactiveTenant(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do("POST", "/api/v1/imports", "{}", map[string]string{"X-Tenant-ID": "dormant"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "TENANT_INACTIVE")
}

func TestRoutedUnknownPath(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do("GET", "/api/v1/nope", "", acmeHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowStatusEndpoint(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/imports", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "f1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	opID := decodeBody(t, rec)["operation_id"].(string)

	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", acmeHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody(t, rec)
	assert.Equal(t, "running", st["state"])

	g.engine.SetState(opID, workflow.StateCompleted, map[string]interface{}{"rows": 3}, "")
	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", acmeHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	st = decodeBody(t, rec)
	assert.Equal(t, "completed", st["state"])
}

func TestWorkflowStatusCrossTenant(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/imports", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "f1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	opID := decodeBody(t, rec)["operation_id"].(string)

	// Another tenant must not see the operation at all
	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", map[string]string{"X-Tenant-ID": "globex"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowOperationForeignTenantSegment(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/users/sync", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "u42", "X-Sync": "false",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	opID := decodeBody(t, rec)["operation_id"].(string)
	require.Equal(t, "user-sync-acme-u42", opID)

	// "sync" names a tenant but here it is part of the operation-type
	// segment; that tenant owns nothing in this ID.
	foreign := map[string]string{"X-Tenant-ID": "sync"}
	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", foreign)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = g.do("POST", "/api/v1/workflows/"+opID+"/cancel", "{}", foreign)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = g.do("POST", "/api/v1/workflows/"+opID+"/signal/approve", "{}", foreign)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The owner still sees it running
	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", acmeHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decodeBody(t, rec)["state"])
}

func TestWorkflowOperationSanitizedTenantID(t *testing.T) {
	g := newTestGateway(t)

	// Underscores in the tenant ID sanitize to hyphens in the workflow ID
	rec := g.do("POST", "/api/v1/users/sync", "{}", map[string]string{
		"X-Tenant-ID": "acme_corp", "X-Operation-ID": "u42", "X-Sync": "false",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	opID := decodeBody(t, rec)["operation_id"].(string)
	require.Equal(t, "user-sync-acme-corp-u42", opID)

	owner := map[string]string{"X-Tenant-ID": "acme_corp"}
	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "running", decodeBody(t, rec)["state"])

	// "acme" is a prefix of the sanitized segment but a different tenant
	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", acmeHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = g.do("POST", "/api/v1/workflows/"+opID+"/cancel", `{"reason":"done"}`, owner)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWorkflowCancelEndpoint(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/imports", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "c1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	opID := decodeBody(t, rec)["operation_id"].(string)

	rec = g.do("POST", "/api/v1/workflows/"+opID+"/cancel", `{"reason":"fat finger"}`, acmeHeaders())
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = g.do("GET", "/api/v1/workflows/"+opID+"/status", "", acmeHeaders())
	st := decodeBody(t, rec)
	assert.Equal(t, "cancelled", st["state"])
}

func TestWorkflowSignalEndpoint(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/imports", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "s1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	opID := decodeBody(t, rec)["operation_id"].(string)

	rec = g.do("POST", "/api/v1/workflows/"+opID+"/signal/approve", `{"by":"u1"}`, acmeHeaders())
	assert.Equal(t, http.StatusAccepted, rec.Code)

	sigs := g.engine.Signals(opID)
	require.Len(t, sigs, 1)
	assert.Equal(t, "approve", sigs[0].Name)
}

func TestWorkflowSignalBadPayload(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do("POST", "/api/v1/imports", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "s2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	opID := decodeBody(t, rec)["operation_id"].(string)

	rec = g.do("POST", "/api/v1/workflows/"+opID+"/signal/approve", "{not json", acmeHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardPartialFailure(t *testing.T) {
	g := newTestGateway(t)
	g.agg.Register("profile", func(context.Context, string) (interface{}, error) {
		return map[string]interface{}{"name": "Acme"}, nil
	})
	g.agg.Register("billing", func(context.Context, string) (interface{}, error) {
		return nil, assert.AnError
	})

	rec := g.do("GET", "/aggregated/dashboard?include=profile,billing", "", acmeHeaders())
	require.Equal(t, http.StatusOK, rec.Code, "partial failure is still a 200")

	body := decodeBody(t, rec)
	assert.NotNil(t, body["profile"])
	_, present := body["billing"]
	assert.True(t, present, "failed section must be present as null")
	assert.Nil(t, body["billing"])
	assert.NotEmpty(t, body["generated_at"])
}

func TestDashboardRefreshBypassesCache(t *testing.T) {
	g := newTestGateway(t)
	calls := 0
	g.agg.Register("usage", func(context.Context, string) (interface{}, error) {
		calls++
		return map[string]interface{}{"requests": calls}, nil
	})

	g.do("GET", "/aggregated/dashboard?include=usage", "", acmeHeaders())
	g.do("GET", "/aggregated/dashboard?include=usage", "", acmeHeaders())
	assert.Equal(t, 1, calls)

	g.do("GET", "/aggregated/dashboard?include=usage&refresh=true", "", acmeHeaders())
	assert.Equal(t, 2, calls)
}

func TestRateLimitEnforced(t *testing.T) {
	g := newTestGateway(t)

	// globex has no quota, so the server default applies
	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = g.do("GET", "/aggregated/dashboard", "", map[string]string{"X-Tenant-ID": "globex"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Exhaust the default limit and verify rejection
	g2 := newTestGateway(t)
	for i := 0; i < 200; i++ {
		rec = g2.do("GET", "/aggregated/dashboard", "", map[string]string{"X-Tenant-ID": "globex"})
		if rec.Code == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSyncOverrideHeader(t *testing.T) {
	g := newTestGateway(t)
	g.engine.AutoComplete = true

	// report-export is sync by default; force async via header
	rec := g.do("POST", "/api/v1/reports/export", "{}", map[string]string{
		"X-Tenant-ID": "acme", "X-Operation-ID": "q3", "X-Sync": "false",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Asynchronous", decodeBody(t, rec)["type"])
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, 10*time.Second, cfg.SyncWait)
	assert.Equal(t, 120, cfg.DefaultRateLimit)
}
