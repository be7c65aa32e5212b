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
	"time"
)

// State is the lifecycle state of a workflow execution
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state can never change again
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Handle identifies one workflow execution on the engine
type Handle struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
}

// StartOptions parameterizes a workflow start
type StartOptions struct {
	WorkflowID   string
	WorkflowType string
	TaskQueue    string
	Input        interface{}
	RunTimeout   time.Duration
	Memo         map[string]interface{}
}

// Status is the engine's view of one execution. Memo carries the
// key-value annotations recorded at start, when the engine can return
// them.
type Status struct {
	Handle    Handle
	State     State
	Result    interface{}
	Failure   string
	StartedAt time.Time
	ClosedAt  time.Time
	Memo      map[string]interface{}
}

// HistoryEvent is one entry in an execution's event history
type HistoryEvent struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine abstracts the workflow backend. Implementations must make Start
// idempotent per workflow ID: starting an already-running ID attaches to
// the existing execution instead of failing.
type Engine interface {
	Start(ctx context.Context, opts StartOptions) (Handle, error)
	Describe(ctx context.Context, h Handle) (*Status, error)
	Result(ctx context.Context, h Handle, out interface{}) error
	Signal(ctx context.Context, h Handle, name string, payload interface{}) error
	Query(ctx context.Context, h Handle, name string, args interface{}) (interface{}, error)
	Cancel(ctx context.Context, h Handle, reason string) error
	History(ctx context.Context, h Handle, limit int) ([]HistoryEvent, error)
}

// TransportError marks a failure to reach the engine. The execution state
// on the engine is unknown; callers may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is an engine transport failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// NotFoundError means the engine has no execution for the handle
type NotFoundError struct {
	WorkflowID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow %s not found", e.WorkflowID)
}

// IsNotFound reports whether err means the execution does not exist
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
