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

package workflow

import (
	"context"
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
)

// TemporalEngine runs workflows on a Temporal cluster
type TemporalEngine struct {
	client    client.Client
	taskQueue string
}

// TemporalConfig connects the gateway to a Temporal cluster
type TemporalConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// NewTemporalEngine dials the cluster and verifies connectivity
func NewTemporalEngine(cfg TemporalConfig) (*TemporalEngine, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.HostPort, err)
	}
	return &TemporalEngine{client: c, taskQueue: cfg.TaskQueue}, nil
}

// NewTemporalEngineWithClient wraps an existing client (used in tests)
func NewTemporalEngineWithClient(c client.Client, taskQueue string) *TemporalEngine {
	return &TemporalEngine{client: c, taskQueue: taskQueue}
}

// Start begins an execution, attaching to a running one when the ID is
// already taken. USE_EXISTING makes retried starts return the original
// run instead of an already-started error.
func (e *TemporalEngine) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = e.taskQueue
	}

	wopts := client.StartWorkflowOptions{
		ID:                       opts.WorkflowID,
		TaskQueue:                taskQueue,
		WorkflowExecutionTimeout: opts.RunTimeout,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	if len(opts.Memo) > 0 {
		wopts.Memo = opts.Memo
	}

	run, err := e.client.ExecuteWorkflow(ctx, wopts, opts.WorkflowType, opts.Input)
	if err != nil {
		return Handle{}, e.mapError("start", opts.WorkflowID, err)
	}
	return Handle{WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
}

// Describe reports the current lifecycle state of an execution
func (e *TemporalEngine) Describe(ctx context.Context, h Handle) (*Status, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, h.WorkflowID, h.RunID)
	if err != nil {
		return nil, e.mapError("describe", h.WorkflowID, err)
	}

	info := resp.GetWorkflowExecutionInfo()
	st := &Status{
		Handle: Handle{
			WorkflowID: h.WorkflowID,
			RunID:      info.GetExecution().GetRunId(),
		},
		State: mapExecutionStatus(info.GetStatus()),
	}
	if ts := info.GetStartTime(); ts != nil {
		st.StartedAt = ts.AsTime()
	}
	if ts := info.GetCloseTime(); ts != nil {
		st.ClosedAt = ts.AsTime()
	}
	if fields := info.GetMemo().GetFields(); len(fields) > 0 {
		dc := converter.GetDefaultDataConverter()
		st.Memo = make(map[string]interface{}, len(fields))
		for k, payload := range fields {
			var v interface{}
			if err := dc.FromPayload(payload, &v); err == nil {
				st.Memo[k] = v
			}
		}
	}
	return st, nil
}

// Result blocks until the execution closes and decodes its result into
// out. A business failure comes back as the workflow's own error.
func (e *TemporalEngine) Result(ctx context.Context, h Handle, out interface{}) error {
	run := e.client.GetWorkflow(ctx, h.WorkflowID, h.RunID)
	if err := run.Get(ctx, out); err != nil {
		if isTransportErr(err) {
			return &TransportError{Op: "result", Err: err}
		}
		return err
	}
	return nil
}

// Signal delivers a named signal to a running execution
func (e *TemporalEngine) Signal(ctx context.Context, h Handle, name string, payload interface{}) error {
	if err := e.client.SignalWorkflow(ctx, h.WorkflowID, h.RunID, name, payload); err != nil {
		return e.mapError("signal", h.WorkflowID, err)
	}
	return nil
}

// Query synchronously reads state from a running execution
func (e *TemporalEngine) Query(ctx context.Context, h Handle, name string, args interface{}) (interface{}, error) {
	var resp interface{}
	val, err := e.client.QueryWorkflow(ctx, h.WorkflowID, h.RunID, name, args)
	if err != nil {
		return nil, e.mapError("query", h.WorkflowID, err)
	}
	if err := val.Get(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}
	return resp, nil
}

// Cancel requests cooperative cancellation. The reason is delivered as a
// best-effort signal first so the workflow can record it; cancellation
// itself does not depend on the signal landing.
func (e *TemporalEngine) Cancel(ctx context.Context, h Handle, reason string) error {
	if reason != "" {
		_ = e.client.SignalWorkflow(ctx, h.WorkflowID, h.RunID, "cancellation_reason", reason)
	}
	if err := e.client.CancelWorkflow(ctx, h.WorkflowID, h.RunID); err != nil {
		return e.mapError("cancel", h.WorkflowID, err)
	}
	return nil
}

// History returns up to limit events from the execution's history,
// oldest first. limit <= 0 returns the full history.
func (e *TemporalEngine) History(ctx context.Context, h Handle, limit int) ([]HistoryEvent, error) {
	iter := e.client.GetWorkflowHistory(ctx, h.WorkflowID, h.RunID, false,
		enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)

	var events []HistoryEvent
	for iter.HasNext() {
		ev, err := iter.Next()
		if err != nil {
			return nil, e.mapError("history", h.WorkflowID, err)
		}
		events = append(events, HistoryEvent{
			ID:        ev.GetEventId(),
			Type:      ev.GetEventType().String(),
			Timestamp: ev.GetEventTime().AsTime(),
		})
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

// Close releases the cluster connection
func (e *TemporalEngine) Close() {
	e.client.Close()
}

func (e *TemporalEngine) mapError(op, workflowID string, err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return &NotFoundError{WorkflowID: workflowID}
	}
	var qf *serviceerror.QueryFailed
	if errors.As(err, &qf) {
		return fmt.Errorf("query rejected: %w", err)
	}
	return &TransportError{Op: op, Err: err}
}

// isTransportErr distinguishes connectivity failures from workflow
// results when waiting on an execution.
func isTransportErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var unavailable *serviceerror.Unavailable
	var deadline *serviceerror.DeadlineExceeded
	return errors.As(err, &unavailable) || errors.As(err, &deadline)
}

func mapExecutionStatus(s enumspb.WorkflowExecutionStatus) State {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING,
		enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return StateRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StateCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return StateFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return StateCancelled
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return StateTimedOut
	default:
		return StatePending
	}
}

var _ Engine = (*TemporalEngine)(nil)
