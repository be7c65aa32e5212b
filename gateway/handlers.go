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
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"stratus/gateway/aggregator"
	"stratus/gateway/router"
	"stratus/gateway/shared/apierror"
	"stratus/gateway/shared/logger"
	"stratus/gateway/tenant"
	"stratus/gateway/workflow"
)

// Server is the HTTP edge of the gateway
type Server struct {
	log        *logger.Logger
	table      *router.Table
	dispatcher *router.Dispatcher
	envelope   *workflow.Envelope
	aggregate  *aggregator.Aggregator
	tenants    *tenant.Middleware
	limiter    RateLimiter

	// DefaultRateLimit applies when the tenant has no
	// requests_per_minute quota.
	DefaultRateLimit int
}

// NewServer wires the handler set. Call Routes to obtain the http.Handler.
func NewServer(log *logger.Logger, table *router.Table, dispatcher *router.Dispatcher,
	envelope *workflow.Envelope, agg *aggregator.Aggregator, tenants *tenant.Middleware,
	limiter RateLimiter) *Server {
	return &Server{
		log:              log,
		table:            table,
		dispatcher:       dispatcher,
		envelope:         envelope,
		aggregate:        agg,
		tenants:          tenants,
		limiter:          limiter,
		DefaultRateLimit: 120,
	}
}

// Routes builds the full router. Health and metrics sit outside the
// tenant boundary; everything else passes through tenant resolution and
// rate limiting.
func (s *Server) Routes(metricsHandler http.Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods("GET")
	}

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.tenants.Handler)
	api.Use(s.rateLimitMiddleware)
	api.Use(s.metricsMiddleware)

	api.HandleFunc("/api/v1/workflows/{operation_id}/status", s.handleWorkflowStatus).Methods("GET")
	api.HandleFunc("/api/v1/workflows/{operation_id}/history", s.handleWorkflowHistory).Methods("GET")
	api.HandleFunc("/api/v1/workflows/{operation_id}/cancel", s.handleWorkflowCancel).Methods("POST")
	api.HandleFunc("/api/v1/workflows/{operation_id}/signal/{signal_name}", s.handleWorkflowSignal).Methods("POST")
	api.HandleFunc("/aggregated/dashboard", s.handleDashboard).Methods("GET")

	// Every other path goes through the routing table
	api.PathPrefix("/").HandlerFunc(s.handleRouted)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "stratus-gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// requestIDMiddleware guarantees every request carries a correlation ID
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}
		w.Header().Set("X-Request-ID", r.Header.Get("X-Request-ID"))
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces the tenant's requests_per_minute quota
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := tenant.FromContext(r.Context())
		if !ok {
			// Exempt route: no tenant to account against
			next.ServeHTTP(w, r)
			return
		}

		limit := s.DefaultRateLimit
		if q, ok := tc.Quota("requests_per_minute"); ok {
			limit = int(q)
		}

		allowed, retryAfter := s.limiter.Allow(r.Context(), tc.TenantID, limit)
		if !allowed {
			rateLimitedTotal.WithLabelValues(tc.TenantID).Inc()
			s.log.Warn(tc.TenantID, r.Header.Get("X-Request-ID"), "rate limit exceeded", map[string]interface{}{
				"limit": limit,
			})
			apierror.Write(w, apierror.RateLimited(limit, retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per route
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// operationHandle resolves {operation_id} to a handle the calling
// tenant owns. Ownership is checked twice: derived workflow IDs are
// {operation-type}-{tenant}-{logical}, so the ID must begin with a
// declared workflow route name followed by the caller's exact tenant
// segment; then the tenant memo stamped at start, when the engine can
// return it, must name the caller. A foreign operation is
// indistinguishable from a missing one. The status read here is
// returned so handlers do not ask the engine twice.
func (s *Server) operationHandle(r *http.Request) (workflow.Handle, *workflow.OperationStatus, error) {
	opID := mux.Vars(r)["operation_id"]
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		return workflow.Handle{}, nil, apierror.MissingTenant()
	}
	seg := workflow.IDSegment(tc.TenantID)
	owned := false
	for _, rt := range s.table.Routes() {
		if rt.Target.Kind != router.TargetWorkflow {
			continue
		}
		if strings.HasPrefix(opID, workflow.IDSegment(rt.Name)+"-"+seg+"-") {
			owned = true
			break
		}
	}
	if !owned {
		return workflow.Handle{}, nil, apierror.NotFound("operation", opID)
	}

	h := workflow.Handle{WorkflowID: opID}
	st, err := s.envelope.Status(r.Context(), h)
	if err != nil {
		return workflow.Handle{}, nil, err
	}
	if st.TenantID != "" && st.TenantID != tc.TenantID {
		return workflow.Handle{}, nil, apierror.NotFound("operation", opID)
	}
	return h, st, nil
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	_, st, err := s.operationHandle(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if st.Degraded {
		engineDegradedTotal.Inc()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	h, _, err := s.operationHandle(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			apierror.Write(w, apierror.Validation("limit must be an integer between 1 and 1000"))
			return
		}
		limit = n
	}

	events, err := s.envelope.History(r.Context(), h, limit)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id": h.WorkflowID,
		"events":       events,
	})
}

func (s *Server) handleWorkflowCancel(w http.ResponseWriter, r *http.Request) {
	h, _, err := s.operationHandle(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body)
	}

	if err := s.envelope.Cancel(r.Context(), h, body.Reason); err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"operation_id": h.WorkflowID,
		"cancelled":    true,
	})
}

func (s *Server) handleWorkflowSignal(w http.ResponseWriter, r *http.Request) {
	h, _, err := s.operationHandle(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	signalName := mux.Vars(r)["signal_name"]

	var payload interface{}
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			apierror.Write(w, apierror.Validation("failed to read signal payload"))
			return
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				apierror.Write(w, apierror.Validation("signal payload must be valid JSON"))
				return
			}
		}
	}

	if err := s.envelope.Signal(r.Context(), h, signalName, payload); err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"operation_id": h.WorkflowID,
		"signal":       signalName,
		"delivered":    true,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.MissingTenant())
		return
	}

	sections := s.aggregate.Sections()
	if inc := r.URL.Query().Get("include"); inc != "" {
		sections = strings.Split(inc, ",")
		for i := range sections {
			sections[i] = strings.TrimSpace(sections[i])
		}
	}
	opts := aggregator.Options{
		BypassCache: r.URL.Query().Get("refresh") == "true",
	}

	resp, err := s.aggregate.Aggregate(r.Context(), tc.TenantID, sections, opts)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	for name, v := range resp.Sections {
		if v == nil {
			aggregateSectionFailures.WithLabelValues(name).Inc()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRouted dispatches everything the routing table declares
func (s *Server) handleRouted(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	decision, err := s.table.Lookup(r.Method, r.URL.Path)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	var tenantID string
	if tc, ok := tenant.FromContext(r.Context()); ok {
		tenantID = tc.TenantID
	} else if !decision.Route.TenantExempt {
		apierror.Write(w, apierror.MissingTenant())
		return
	}

	// The caller may pin the execution mode; async is always honored,
	// sync only when the route's estimate allows it.
	mode := decision.Mode
	switch syncOverride(r) {
	case "async":
		mode = router.ModeAsync
	case "sync":
		if decision.Route.EstimatedDuration <= s.table.SyncThreshold {
			mode = router.ModeSync
		}
	}
	decision.Mode = mode

	var body []byte
	var input interface{}
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			apierror.Write(w, apierror.Validation("failed to read request body"))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &input); err != nil {
				apierror.Write(w, apierror.Validation("request body must be valid JSON"))
				return
			}
		}
	}

	dispatchesTotal.WithLabelValues(string(decision.Route.Target.Kind), string(mode)).Inc()

	start := time.Now()
	resp, err := s.dispatcher.Dispatch(r.Context(), decision, router.Request{
		TenantID:  tenantID,
		RequestID: requestID,
		LogicalID: logicalID(r, decision, body),
		Body:      body,
		Input:     input,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}

	s.log.InfoWithDuration(tenantID, requestID, "request dispatched", float64(time.Since(start).Microseconds())/1000.0, map[string]interface{}{
		"route": decision.Route.Name,
		"type":  string(resp.Type),
	})

	status := http.StatusOK
	if resp.Type == router.ResponseAsynchronous {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func syncOverride(r *http.Request) string {
	if v := r.URL.Query().Get("sync"); v != "" {
		if v == "true" {
			return "sync"
		}
		return "async"
	}
	switch strings.ToLower(r.Header.Get("X-Sync")) {
	case "true":
		return "sync"
	case "false":
		return "async"
	}
	return ""
}

// logicalID picks the idempotency component of the workflow ID: an
// explicit X-Operation-ID wins, then the first path parameter, then the
// request ID. Retries must send X-Operation-ID to land on the same
// execution.
func logicalID(r *http.Request, decision *router.Decision, _ []byte) string {
	if v := r.Header.Get("X-Operation-ID"); v != "" {
		return v
	}
	if len(decision.PathParams) == 1 {
		for _, v := range decision.PathParams {
			return v
		}
	}
	return r.Header.Get("X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Gateway] failed to encode response: %v", err)
	}
}
