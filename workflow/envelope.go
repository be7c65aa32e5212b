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
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"stratus/gateway/shared/apierror"
	"stratus/gateway/shared/logger"
	"stratus/gateway/shared/retry"
)

// Progress is a workflow's self-reported progress, read via query
type Progress struct {
	CurrentStep string  `json:"current_step,omitempty"`
	TotalSteps  int     `json:"total_steps,omitempty"`
	Percent     float64 `json:"percent"`
}

// OperationError describes a terminal business failure
type OperationError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// OperationStatus is the gateway's view of one operation. Degraded means
// the engine could not be reached and State is the last value this
// instance observed, not a fresh read.
type OperationStatus struct {
	OperationID string          `json:"operation_id"`
	RunID       string          `json:"run_id,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	State       State           `json:"state"`
	Degraded    bool            `json:"degraded,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	Result      interface{}     `json:"result,omitempty"`
	Error       *OperationError `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

var workflowIDSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// IDSegment normalizes one component of a workflow ID: lowercased, non
// [a-z0-9-] runs collapse to hyphens, leading and trailing hyphens
// stripped. Anything comparing against a derived ID must normalize
// through the same function.
func IDSegment(s string) string {
	s = strings.ToLower(s)
	s = workflowIDSanitizer.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// DeriveWorkflowID builds the deterministic workflow ID
// {operation-type}-{tenant}-{logical}. The same triple always yields the
// same ID, which is what makes duplicate starts idempotent.
func DeriveWorkflowID(operationType, tenantID, logicalID string) string {
	return fmt.Sprintf("%s-%s-%s", IDSegment(operationType), IDSegment(tenantID), IDSegment(logicalID))
}

// Envelope is the single path between the gateway and the workflow
// engine. It owns ID derivation, transport retries, and the terminal
// status latch; callers treat workflows as opaque operations.
type Envelope struct {
	engine Engine
	log    *logger.Logger
	retry  *retry.Config

	mu       sync.Mutex
	latched  map[string]*OperationStatus // terminal statuses never regress
	lastSeen map[string]State            // last observed state, for degraded reads
}

// NewEnvelope wraps an engine. Transport failures are retried with the
// given config; nil selects a 3-attempt default. Business failures are
// never retried.
func NewEnvelope(engine Engine, log *logger.Logger, retryCfg *retry.Config) *Envelope {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	cfg := *retryCfg
	cfg.RetryIf = IsTransport

	return &Envelope{
		engine:   engine,
		log:      log,
		retry:    &cfg,
		latched:  make(map[string]*OperationStatus),
		lastSeen: make(map[string]State),
	}
}

// StartRequest names the operation to run
type StartRequest struct {
	OperationType string
	TenantID      string
	LogicalID     string
	WorkflowType  string
	TaskQueue     string
	RunTimeout    time.Duration
	Input         interface{}
}

// Start begins (or attaches to) the operation's execution. Duplicate
// starts are resolved by the engine's ID conflict policy: starting an ID
// that is already running attaches to the running execution and returns
// its handle. The terminal latch only serves reads; Start always asks
// the engine.
func (e *Envelope) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if req.OperationType == "" || req.TenantID == "" || req.LogicalID == "" {
		return Handle{}, apierror.Validation("operation type, tenant and logical id are required")
	}

	workflowID := DeriveWorkflowID(req.OperationType, req.TenantID, req.LogicalID)
	workflowType := req.WorkflowType
	if workflowType == "" {
		workflowType = req.OperationType
	}

	h, err := retry.WithBackoff(ctx, e.retry, func() (Handle, error) {
		return e.engine.Start(ctx, StartOptions{
			WorkflowID:   workflowID,
			WorkflowType: workflowType,
			TaskQueue:    req.TaskQueue,
			Input:        req.Input,
			RunTimeout:   req.RunTimeout,
			Memo: map[string]interface{}{
				"tenant_id":      req.TenantID,
				"operation_type": req.OperationType,
			},
		})
	})
	if err != nil {
		if IsTransport(err) {
			e.log.Error(req.TenantID, "", "engine unreachable on start", map[string]interface{}{
				"workflow_id": workflowID,
			})
			return Handle{}, apierror.EngineUnreachable(workflowID)
		}
		return Handle{}, err
	}

	e.observe(workflowID, StateRunning)
	e.log.Info(req.TenantID, "", "operation started", map[string]interface{}{
		"workflow_id": workflowID,
		"run_id":      h.RunID,
	})
	return h, nil
}

// Status reads the operation's current status. Terminal statuses are
// latched: once this instance has seen an operation close, later reads
// return the latched value without asking the engine again. When the
// engine cannot be reached the last observed state is returned with
// Degraded set, never a fabricated failure.
func (e *Envelope) Status(ctx context.Context, h Handle) (*OperationStatus, error) {
	if latched := e.latchedStatus(h.WorkflowID); latched != nil {
		return latched, nil
	}

	st, err := retry.WithBackoff(ctx, e.retry, func() (*Status, error) {
		return e.engine.Describe(ctx, h)
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, apierror.NotFound("operation", h.WorkflowID)
		}
		if IsTransport(err) {
			return e.degradedStatus(h), nil
		}
		return nil, err
	}

	op := &OperationStatus{
		OperationID: h.WorkflowID,
		RunID:       st.Handle.RunID,
		State:       st.State,
		StartedAt:   st.StartedAt,
		UpdatedAt:   time.Now(),
	}
	// Start stamps the owning tenant into the execution memo
	if v, ok := st.Memo["tenant_id"].(string); ok {
		op.TenantID = v
	}

	switch {
	case st.State == StateCompleted:
		op.Result = st.Result
		if op.Result == nil {
			// Describe does not carry results on every engine; fetch is
			// best-effort since the execution is already closed.
			var out interface{}
			if rerr := e.engine.Result(ctx, h, &out); rerr == nil {
				op.Result = out
			}
		}
	case st.State == StateFailed:
		op.Error = &OperationError{Kind: string(apierror.CodeWorkflow), Message: st.Failure}
		if op.Error.Message == "" {
			var out interface{}
			if rerr := e.engine.Result(ctx, h, &out); rerr != nil && !IsTransport(rerr) {
				op.Error.Message = rerr.Error()
			}
		}
	case st.State == StateCancelled:
		op.Error = &OperationError{Kind: "cancelled", Message: st.Failure}
	case st.State == StateTimedOut:
		op.Error = &OperationError{Kind: "timed_out", Message: "workflow execution timed out"}
	case st.State == StateRunning:
		op.Progress = e.queryProgress(ctx, h)
	}

	e.observe(h.WorkflowID, st.State)
	if st.State.Terminal() {
		e.latch(op)
	}
	return op, nil
}

// Signal delivers a named signal to the operation
func (e *Envelope) Signal(ctx context.Context, h Handle, name string, payload interface{}) error {
	err := retry.Void(ctx, e.retry, func() error {
		return e.engine.Signal(ctx, h, name, payload)
	})
	return e.mapCommandError(h, err)
}

// Query synchronously reads state from the operation
func (e *Envelope) Query(ctx context.Context, h Handle, name string, args interface{}) (interface{}, error) {
	out, err := retry.WithBackoff(ctx, e.retry, func() (interface{}, error) {
		return e.engine.Query(ctx, h, name, args)
	})
	if err != nil {
		return nil, e.mapCommandError(h, err)
	}
	return out, nil
}

// Cancel requests cooperative cancellation. Cancelling an operation this
// instance already saw close is a no-op, not an error.
func (e *Envelope) Cancel(ctx context.Context, h Handle, reason string) error {
	if latched := e.latchedStatus(h.WorkflowID); latched != nil {
		return nil
	}
	err := retry.Void(ctx, e.retry, func() error {
		return e.engine.Cancel(ctx, h, reason)
	})
	return e.mapCommandError(h, err)
}

// History returns up to limit events of the operation's execution history
func (e *Envelope) History(ctx context.Context, h Handle, limit int) ([]HistoryEvent, error) {
	events, err := retry.WithBackoff(ctx, e.retry, func() ([]HistoryEvent, error) {
		return e.engine.History(ctx, h, limit)
	})
	if err != nil {
		return nil, e.mapCommandError(h, err)
	}
	return events, nil
}

func (e *Envelope) mapCommandError(h Handle, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return apierror.NotFound("operation", h.WorkflowID)
	}
	if IsTransport(err) {
		return apierror.EngineUnreachable(h.WorkflowID)
	}
	return err
}

// queryProgress is best-effort: workflows that do not expose a progress
// query simply report none.
func (e *Envelope) queryProgress(ctx context.Context, h Handle) *Progress {
	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := e.engine.Query(qctx, h, "progress", nil)
	if err != nil {
		return nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	p := &Progress{}
	if v, ok := m["current_step"].(string); ok {
		p.CurrentStep = v
	}
	if v, ok := m["total_steps"].(float64); ok {
		p.TotalSteps = int(v)
	}
	if v, ok := m["percent"].(float64); ok {
		p.Percent = v
	}
	return p
}

func (e *Envelope) latchedStatus(workflowID string) *OperationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.latched[workflowID]; ok {
		cp := *st
		cp.UpdatedAt = time.Now()
		return &cp
	}
	return nil
}

func (e *Envelope) latch(op *OperationStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.latched[op.OperationID]; ok {
		return
	}
	cp := *op
	e.latched[op.OperationID] = &cp
}

func (e *Envelope) observe(workflowID string, s State) {
	e.mu.Lock()
	e.lastSeen[workflowID] = s
	e.mu.Unlock()
}

func (e *Envelope) degradedStatus(h Handle) *OperationStatus {
	e.mu.Lock()
	last, ok := e.lastSeen[h.WorkflowID]
	e.mu.Unlock()
	if !ok {
		last = StatePending
	}
	e.log.Warn("", "", "engine unreachable, serving degraded status", map[string]interface{}{
		"workflow_id": h.WorkflowID,
		"last_seen":   string(last),
	})
	return &OperationStatus{
		OperationID: h.WorkflowID,
		State:       last,
		Degraded:    true,
		UpdatedAt:   time.Now(),
	}
}
