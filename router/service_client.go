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

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"stratus/gateway/shared/apierror"
	"stratus/gateway/shared/retry"
)

// ServiceConfig locates one downstream service
type ServiceConfig struct {
	Name    string
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ServiceClient calls downstream services for direct routes. One client
// is shared across all services; per-service base URL, bearer token and
// timeout come from the registry.
type ServiceClient struct {
	services map[string]ServiceConfig
	client   *http.Client
	retry    *retry.Config

	mu       sync.Mutex
	breakers map[string]*retry.CircuitBreaker
}

// NewServiceClient builds a client over the given service registry
func NewServiceClient(services []ServiceConfig) *ServiceClient {
	m := make(map[string]ServiceConfig, len(services))
	for _, s := range services {
		if s.Timeout <= 0 {
			s.Timeout = 30 * time.Second
		}
		m[s.Name] = s
	}
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryIf = retryableServiceErr
	return &ServiceClient{
		services: m,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:    cfg,
		breakers: make(map[string]*retry.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker guarding one downstream
// service, creating it on first use. Only transport failures and 5xx
// responses count against the breaker; client-side 4xx do not.
func (c *ServiceClient) breakerFor(service string) *retry.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[service]
	if !ok {
		b = retry.NewCircuitBreaker(service, 5, 30*time.Second)
		c.breakers[service] = b
	}
	return b
}

// Known reports whether a service name is registered
func (c *ServiceClient) Known(service string) bool {
	_, ok := c.services[service]
	return ok
}

// Do forwards a request body to the named service and decodes the JSON
// response. The tenant ID and request ID propagate as headers so
// downstream logs correlate.
func (c *ServiceClient) Do(ctx context.Context, service, method, path string, body []byte, tenantID, requestID string) (interface{}, error) {
	cfg, ok := c.services[service]
	if !ok {
		return nil, apierror.NotFound("service", service)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + path
	breaker := c.breakerFor(service)
	idempotent := method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions

	return retry.WithBackoff(ctx, c.retry, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(cctx, method, url, reader)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to build request for %s: %w", service, err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Token)
		}
		if tenantID != "" {
			req.Header.Set("X-Tenant-ID", tenantID)
		}
		if requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}

		var out interface{}
		var clientErr error
		execErr := breaker.Execute(cctx, func() error {
			resp, err := c.client.Do(req)
			if err != nil {
				// Connection-level failure; the request may not have
				// reached the service, so it is safe to retry any method.
				return apierror.Upstream(service, 0, err.Error())
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
			if err != nil {
				e := apierror.Upstream(service, resp.StatusCode, "failed to read response body")
				if !idempotent {
					return retry.Permanent(e)
				}
				return e
			}

			if resp.StatusCode >= 400 {
				mapped := mapServiceStatus(service, resp.StatusCode, raw, idempotent)
				if resp.StatusCode >= 500 {
					return mapped
				}
				// Client-side rejections are not service health failures
				clientErr = mapped
				return nil
			}

			if len(raw) == 0 {
				return nil
			}
			var decoded interface{}
			if err := json.Unmarshal(raw, &decoded); err != nil {
				// Non-JSON success bodies pass through as text
				out = string(raw)
				return nil
			}
			out = decoded
			return nil
		})
		if execErr != nil {
			var open *retry.CircuitOpenError
			if errors.As(execErr, &open) {
				return nil, retry.Permanent(apierror.Upstream(service, 0, execErr.Error()))
			}
			return nil, execErr
		}
		if clientErr != nil {
			return nil, clientErr
		}
		return out, nil
	})
}

// mapServiceStatus translates a downstream error response into the
// gateway taxonomy, preserving the upstream status for 5xx. A 5xx or
// 429 is retryable only for idempotent methods: the downstream may
// already have applied a write before failing, so a POST or PATCH is
// delivered at most once.
func mapServiceStatus(service string, status int, body []byte, idempotent bool) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusNotFound:
		return retry.Permanent(apierror.NotFound("resource", service))
	case status == http.StatusConflict:
		return retry.Permanent(apierror.New(apierror.CodeConflict, msg))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return retry.Permanent(apierror.Validation(msg))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return retry.Permanent(apierror.New(apierror.CodeAuthenticationFailed, "downstream rejected gateway credentials"))
	case status == http.StatusTooManyRequests || status >= 500:
		u := apierror.Upstream(service, status, msg)
		if !idempotent {
			return retry.Permanent(u)
		}
		return u
	default:
		return retry.Permanent(apierror.Upstream(service, status, msg))
	}
}

// retryableServiceErr retries only transient upstream failures;
// Permanent-wrapped taxonomy errors stop immediately.
func retryableServiceErr(err error) bool {
	if retry.IsPermanent(err) {
		return false
	}
	return apierror.IsCode(err, apierror.CodeUpstream)
}
