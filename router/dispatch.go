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
	"context"
	"fmt"
	"strings"
	"time"

	"stratus/gateway/shared/apierror"
	"stratus/gateway/shared/logger"
	"stratus/gateway/shared/retry"
	"stratus/gateway/workflow"
)

// ResponseType tells the caller whether the operation finished inline
type ResponseType string

const (
	ResponseSynchronous  ResponseType = "Synchronous"
	ResponseAsynchronous ResponseType = "Asynchronous"
)

// Response is the uniform dispatch result. Synchronous responses carry
// the result data; asynchronous ones carry the operation ID and where to
// poll for it.
type Response struct {
	Type            ResponseType `json:"type"`
	Data            interface{}  `json:"data,omitempty"`
	ExecutionTimeMs int64        `json:"execution_time_ms,omitempty"`

	OperationID              string `json:"operation_id,omitempty"`
	WorkflowID               string `json:"workflow_id,omitempty"`
	StatusURL                string `json:"status_url,omitempty"`
	StreamURL                string `json:"stream_url,omitempty"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds,omitempty"`
}

// Request carries everything a dispatch needs from the HTTP layer
type Request struct {
	TenantID  string
	RequestID string
	LogicalID string
	Body      []byte
	Input     interface{}
}

// Dispatcher executes routing decisions
type Dispatcher struct {
	envelope *workflow.Envelope
	services *ServiceClient
	log      *logger.Logger

	// SyncWait bounds how long a sync workflow dispatch blocks before
	// degrading to the asynchronous shape.
	SyncWait time.Duration

	// PollInitial is the first status-poll interval; it doubles up to
	// PollMax between checks.
	PollInitial time.Duration
	PollMax     time.Duration
}

// NewDispatcher wires the dispatcher over the envelope and service client
func NewDispatcher(envelope *workflow.Envelope, services *ServiceClient, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		envelope:    envelope,
		services:    services,
		log:         log,
		SyncWait:    10 * time.Second,
		PollInitial: 100 * time.Millisecond,
		PollMax:     2 * time.Second,
	}
}

// Dispatch executes the decision and shapes the response. Workflow
// business failures surface as errors; a sync operation that outlives
// the wait ceiling degrades to the asynchronous shape instead of
// failing.
func (d *Dispatcher) Dispatch(ctx context.Context, decision *Decision, req Request) (*Response, error) {
	route := decision.Route
	start := time.Now()

	switch route.Target.Kind {
	case TargetDirect:
		data, err := d.services.Do(ctx, route.Target.Service, route.Method,
			expandPath(route.Target.Path, decision.PathParams), req.Body, req.TenantID, req.RequestID)
		if err != nil {
			return nil, err
		}
		return &Response{
			Type:            ResponseSynchronous,
			Data:            data,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil

	case TargetWorkflow:
		return d.dispatchWorkflow(ctx, decision, req, start)

	default:
		return nil, apierror.Internal()
	}
}

func (d *Dispatcher) dispatchWorkflow(ctx context.Context, decision *Decision, req Request, start time.Time) (*Response, error) {
	route := decision.Route

	h, err := d.envelope.Start(ctx, workflow.StartRequest{
		OperationType: route.Name,
		TenantID:      req.TenantID,
		LogicalID:     req.LogicalID,
		WorkflowType:  route.Target.WorkflowType,
		TaskQueue:     route.Target.TaskQueue,
		Input:         req.Input,
	})
	if err != nil {
		return nil, err
	}

	if decision.Mode == ModeAsync {
		return d.asyncResponse(route, h), nil
	}

	// Sync: poll with doubling backoff until terminal or the wait
	// ceiling, then degrade to the async shape.
	deadline := time.Now().Add(d.SyncWait)
	backoff := retry.NewBackoff(d.PollInitial, d.PollMax, 2.0, 0)

	for {
		st, err := d.envelope.Status(ctx, h)
		if err != nil {
			return nil, err
		}
		if st.Degraded {
			// Can't confirm completion; hand back the async shape so
			// the caller polls once the engine recovers.
			return d.asyncResponse(route, h), nil
		}
		if st.State.Terminal() {
			if st.State != workflow.StateCompleted {
				return nil, terminalError(st)
			}
			return &Response{
				Type:            ResponseSynchronous,
				Data:            st.Result,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				OperationID:     h.WorkflowID,
			}, nil
		}

		wait := backoff.Next()
		if time.Now().Add(wait).After(deadline) {
			d.log.Info(req.TenantID, req.RequestID, "sync wait ceiling reached, degrading to async", map[string]interface{}{
				"workflow_id": h.WorkflowID,
			})
			return d.asyncResponse(route, h), nil
		}
		select {
		case <-ctx.Done():
			return d.asyncResponse(route, h), nil
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) asyncResponse(route *Route, h workflow.Handle) *Response {
	resp := &Response{
		Type:                     ResponseAsynchronous,
		OperationID:              h.WorkflowID,
		WorkflowID:               h.WorkflowID,
		StatusURL:                fmt.Sprintf("/api/v1/workflows/%s/status", h.WorkflowID),
		EstimatedDurationSeconds: int(route.EstimatedDuration / time.Second),
	}
	if route.SupportsStream {
		resp.StreamURL = fmt.Sprintf("/api/v1/workflows/%s/stream", h.WorkflowID)
	}
	return resp
}

// terminalError maps a failed terminal status to the taxonomy
func terminalError(st *workflow.OperationStatus) error {
	msg := "workflow execution failed"
	if st.Error != nil && st.Error.Message != "" {
		msg = st.Error.Message
	}
	switch st.State {
	case workflow.StateCancelled:
		return apierror.New(apierror.CodeConflict, fmt.Sprintf("operation %s was cancelled", st.OperationID))
	case workflow.StateTimedOut:
		return apierror.WorkflowFailed(st.OperationID, "workflow execution timed out")
	default:
		return apierror.WorkflowFailed(st.OperationID, msg)
	}
}

// expandPath substitutes {param} placeholders in a target path with the
// captured route parameters.
func expandPath(path string, params map[string]string) string {
	if path == "" || len(params) == 0 {
		return path
	}
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", v)
	}
	return path
}
