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

package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
)

// Code is a stable machine-readable error code. Codes never change once
// published; clients branch on them.
type Code string

const (
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeTenantMissing        Code = "TENANT_MISSING"
	CodeTenantMismatch       Code = "TENANT_MISMATCH"
	CodeTenantInactive       Code = "TENANT_INACTIVE"
	CodeValidation           Code = "VALIDATION"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeRateLimited          Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstream             Code = "UPSTREAM_ERROR"
	CodeWorkflow             Code = "WORKFLOW_ERROR"
	CodeEngineUnreachable    Code = "ENGINE_UNREACHABLE"
	CodeInternal             Code = "INTERNAL"
)

// Error is the gateway's user-visible error shape. RetryAfterSeconds is set
// only for retryable classes (rate limiting, engine unreachable, upstream).
type Error struct {
	Code              Code                   `json:"code"`
	Message           string                 `json:"message"`
	Details           map[string]interface{} `json:"details,omitempty"`
	RetryAfterSeconds int                    `json:"retry_after_seconds,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key/value and returns the error for chaining
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry hint in seconds
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfterSeconds = seconds
	return e
}

// MissingTenant indicates no tenant source matched on a tenant-scoped route
func MissingTenant() *Error {
	return New(CodeTenantMissing, "no tenant identifier found in header, identity, host, or path")
}

// TenantMismatch indicates the tenant is not in the identity's available set
func TenantMismatch(tenantID string) *Error {
	return Newf(CodeTenantMismatch, "tenant '%s' is not available to this identity", tenantID)
}

// TenantInactive indicates the tenant exists but is suspended
func TenantInactive(tenantID string) *Error {
	return Newf(CodeTenantInactive, "tenant '%s' is not active", tenantID)
}

// Validation indicates a malformed or semantically invalid request
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// NotFound indicates the requested entity does not exist
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s '%s' not found", kind, id).WithDetail("resource", kind)
}

// RateLimited indicates the tenant exceeded its request quota
func RateLimited(limit int, retryAfterSeconds int) *Error {
	return Newf(CodeRateLimited, "rate limit of %d requests/minute exceeded", limit).
		WithRetryAfter(retryAfterSeconds)
}

// Upstream maps a downstream service failure, preserving the original status
func Upstream(service string, statusCode int, body string) *Error {
	return Newf(CodeUpstream, "upstream service '%s' failed", service).
		WithDetail("service", service).
		WithDetail("upstream_status", statusCode).
		WithDetail("upstream_body", body)
}

// WorkflowFailed surfaces a business failure reported by the engine
func WorkflowFailed(workflowID, message string) *Error {
	return New(CodeWorkflow, message).WithDetail("workflow_id", workflowID)
}

// EngineUnreachable indicates the workflow engine could not be asked.
// Distinct from WorkflowFailed: the workflow may be fine.
func EngineUnreachable(workflowID string) *Error {
	e := New(CodeEngineUnreachable, "workflow engine unreachable").WithRetryAfter(5)
	if workflowID != "" {
		e = e.WithDetail("workflow_id", workflowID)
	}
	return e
}

// Internal wraps an unexpected failure without leaking internals
func Internal() *Error {
	return New(CodeInternal, "internal error")
}

// HTTPStatus maps the error code to an HTTP status
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodeTenantMissing, CodeValidation:
		return http.StatusBadRequest
	case CodeTenantMismatch, CodeTenantInactive:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeWorkflow:
		return http.StatusUnprocessableEntity
	case CodeEngineUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// From converts any error into an *Error, wrapping unknown errors as INTERNAL
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal()
}

// IsCode reports whether err is an *Error carrying the given code
func IsCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// envelope is the wire shape for error responses
type envelope struct {
	Error *Error `json:"error"`
}

// Write sends err as a JSON error envelope with the mapped HTTP status.
// Unknown error types are written as INTERNAL without leaking details.
func Write(w http.ResponseWriter, err error) {
	apiErr := From(err)

	w.Header().Set("Content-Type", "application/json")
	if apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfterSeconds))
	}
	w.WriteHeader(apiErr.HTTPStatus())

	if encErr := json.NewEncoder(w).Encode(envelope{Error: apiErr}); encErr != nil {
		log.Printf("Error encoding error response: %v", encErr)
	}
}
