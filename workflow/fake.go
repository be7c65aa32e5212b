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
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeEngine is an in-memory engine for development mode and tests. It
// honors the same idempotency contract as the real engine: starting an
// existing workflow ID attaches to it.
type FakeEngine struct {
	mu         sync.Mutex
	executions map[string]*fakeExecution

	// Unreachable makes every call fail with a TransportError
	Unreachable bool
	// AutoComplete moves new executions straight to completed
	AutoComplete bool
}

type fakeExecution struct {
	handle    Handle
	state     State
	input     interface{}
	memo      map[string]interface{}
	result    interface{}
	failure   string
	signals   []RecordedSignal
	queryFn   func(name string, args interface{}) (interface{}, error)
	startedAt time.Time
	closedAt  time.Time
	events    []HistoryEvent
}

// RecordedSignal is a signal captured by the fake engine
type RecordedSignal struct {
	Name    string
	Payload interface{}
}

// NewFakeEngine returns an empty in-memory engine
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{executions: make(map[string]*fakeExecution)}
}

func (f *FakeEngine) transportDown(op string) error {
	return &TransportError{Op: op, Err: context.DeadlineExceeded}
}

// Start registers an execution, or attaches to an existing one
func (f *FakeEngine) Start(_ context.Context, opts StartOptions) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return Handle{}, f.transportDown("start")
	}

	if ex, ok := f.executions[opts.WorkflowID]; ok {
		return ex.handle, nil
	}

	ex := &fakeExecution{
		handle:    Handle{WorkflowID: opts.WorkflowID, RunID: uuid.New().String()},
		state:     StateRunning,
		input:     opts.Input,
		memo:      opts.Memo,
		startedAt: time.Now(),
	}
	ex.appendEvent("WorkflowExecutionStarted")
	if f.AutoComplete {
		ex.state = StateCompleted
		ex.closedAt = time.Now()
		ex.appendEvent("WorkflowExecutionCompleted")
	}
	f.executions[opts.WorkflowID] = ex
	return ex.handle, nil
}

// Describe reports the stored state
func (f *FakeEngine) Describe(_ context.Context, h Handle) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return nil, f.transportDown("describe")
	}
	ex, ok := f.executions[h.WorkflowID]
	if !ok {
		return nil, &NotFoundError{WorkflowID: h.WorkflowID}
	}
	return &Status{
		Handle:    ex.handle,
		State:     ex.state,
		Result:    ex.result,
		Failure:   ex.failure,
		StartedAt: ex.startedAt,
		ClosedAt:  ex.closedAt,
		Memo:      ex.memo,
	}, nil
}

// Result copies the completed result. The fake never blocks: a
// non-terminal execution returns a transport error.
func (f *FakeEngine) Result(_ context.Context, h Handle, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return f.transportDown("result")
	}
	ex, ok := f.executions[h.WorkflowID]
	if !ok {
		return &NotFoundError{WorkflowID: h.WorkflowID}
	}
	if !ex.state.Terminal() {
		return f.transportDown("result")
	}
	if p, ok := out.(*interface{}); ok {
		*p = ex.result
	}
	return nil
}

// Signal records the signal against the execution
func (f *FakeEngine) Signal(_ context.Context, h Handle, name string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return f.transportDown("signal")
	}
	ex, ok := f.executions[h.WorkflowID]
	if !ok {
		return &NotFoundError{WorkflowID: h.WorkflowID}
	}
	ex.signals = append(ex.signals, RecordedSignal{Name: name, Payload: payload})
	ex.appendEvent("WorkflowExecutionSignaled")
	return nil
}

// Query answers via the registered query function, or echoes the input
func (f *FakeEngine) Query(_ context.Context, h Handle, name string, args interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return nil, f.transportDown("query")
	}
	ex, ok := f.executions[h.WorkflowID]
	if !ok {
		return nil, &NotFoundError{WorkflowID: h.WorkflowID}
	}
	if ex.queryFn != nil {
		return ex.queryFn(name, args)
	}
	return map[string]interface{}{"query": name}, nil
}

// Cancel moves a non-terminal execution to cancelled
func (f *FakeEngine) Cancel(_ context.Context, h Handle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return f.transportDown("cancel")
	}
	ex, ok := f.executions[h.WorkflowID]
	if !ok {
		return &NotFoundError{WorkflowID: h.WorkflowID}
	}
	if ex.state.Terminal() {
		return nil
	}
	ex.state = StateCancelled
	ex.failure = reason
	ex.closedAt = time.Now()
	ex.appendEvent("WorkflowExecutionCanceled")
	return nil
}

// History returns recorded events, oldest first
func (f *FakeEngine) History(_ context.Context, h Handle, limit int) ([]HistoryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return nil, f.transportDown("history")
	}
	ex, ok := f.executions[h.WorkflowID]
	if !ok {
		return nil, &NotFoundError{WorkflowID: h.WorkflowID}
	}
	events := ex.events
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]HistoryEvent, len(events))
	copy(out, events)
	return out, nil
}

// SetState forces an execution into a state (test hook)
func (f *FakeEngine) SetState(workflowID string, state State, result interface{}, failure string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ex, ok := f.executions[workflowID]
	if !ok {
		return
	}
	ex.state = state
	ex.result = result
	ex.failure = failure
	if state.Terminal() {
		ex.closedAt = time.Now()
	}
}

// SetQueryFn installs a query responder for an execution (test hook)
func (f *FakeEngine) SetQueryFn(workflowID string, fn func(name string, args interface{}) (interface{}, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ex, ok := f.executions[workflowID]; ok {
		ex.queryFn = fn
	}
}

// Signals returns the signals recorded for an execution (test hook)
func (f *FakeEngine) Signals(workflowID string) []RecordedSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[workflowID]
	if !ok {
		return nil
	}
	out := make([]RecordedSignal, len(ex.signals))
	copy(out, ex.signals)
	return out
}

func (ex *fakeExecution) appendEvent(eventType string) {
	ex.events = append(ex.events, HistoryEvent{
		ID:        int64(len(ex.events) + 1),
		Type:      eventType,
		Timestamp: time.Now(),
	})
}

var _ Engine = (*FakeEngine)(nil)
