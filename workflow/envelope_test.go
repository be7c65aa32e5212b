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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratus/gateway/shared/apierror"
	"stratus/gateway/shared/logger"
	"stratus/gateway/shared/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestEnvelope() (*Envelope, *FakeEngine) {
	eng := NewFakeEngine()
	return NewEnvelope(eng, logger.New("workflow-test"), fastRetry()), eng
}

func TestDeriveWorkflowID(t *testing.T) {
	tests := []struct {
		operationType, tenantID, logicalID string
		want                               string
	}{
		{"user_sync", "t1", "u42", "user-sync-t1-u42"},
		{"report-export", "acme", "2024-q3", "report-export-acme-2024-q3"},
		{"Bulk_Import", "Acme", "File_01", "bulk-import-acme-file-01"},
		{"sync", "t1", "a b/c", "sync-t1-a-b-c"},
	}
	for _, tt := range tests {
		got := DeriveWorkflowID(tt.operationType, tt.tenantID, tt.logicalID)
		assert.Equal(t, tt.want, got)
	}
}

func TestDeriveWorkflowIDDeterministic(t *testing.T) {
	a := DeriveWorkflowID("user_sync", "t1", "u42")
	b := DeriveWorkflowID("user_sync", "t1", "u42")
	assert.Equal(t, a, b)
}

func TestIDSegment(t *testing.T) {
	assert.Equal(t, "acme-corp", IDSegment("acme_corp"))
	assert.Equal(t, "acme-corp", IDSegment("Acme Corp!"))
	assert.Equal(t, "t1", IDSegment("-t1-"))
}

func TestStatusCarriesTenantFromMemo(t *testing.T) {
	env, _ := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "user_sync", TenantID: "acme_corp", LogicalID: "u42",
	})
	require.NoError(t, err)

	st, err := env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "acme_corp", st.TenantID, "the tenant stamped at start identifies the owner")
}

func TestStartIsIdempotent(t *testing.T) {
	env, _ := newTestEnvelope()

	first, err := env.Start(context.Background(), StartRequest{
		OperationType: "user_sync", TenantID: "t1", LogicalID: "u42",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-sync-t1-u42", first.WorkflowID)

	second, err := env.Start(context.Background(), StartRequest{
		OperationType: "user_sync", TenantID: "t1", LogicalID: "u42",
	})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID, "duplicate start must attach to the running execution")
}

func TestStartValidation(t *testing.T) {
	env, _ := newTestEnvelope()

	_, err := env.Start(context.Background(), StartRequest{OperationType: "sync"})
	assert.True(t, apierror.IsCode(err, apierror.CodeValidation))
}

func TestStartEngineUnreachable(t *testing.T) {
	env, eng := newTestEnvelope()
	eng.Unreachable = true

	_, err := env.Start(context.Background(), StartRequest{
		OperationType: "user_sync", TenantID: "t1", LogicalID: "u42",
	})
	assert.True(t, apierror.IsCode(err, apierror.CodeEngineUnreachable))
}

func TestStatusLifecycle(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "report_export", TenantID: "acme", LogicalID: "r1",
	})
	require.NoError(t, err)

	st, err := env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.Degraded)

	eng.SetState(h.WorkflowID, StateCompleted, map[string]interface{}{"rows": 10}, "")

	st, err = env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.NotNil(t, st.Result)
}

func TestStatusTerminalLatch(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "sync", TenantID: "t1", LogicalID: "x",
	})
	require.NoError(t, err)

	eng.SetState(h.WorkflowID, StateCompleted, "done", "")
	st, err := env.Status(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st.State)

	// Even if the engine were to report something else, the latched
	// terminal value is served.
	eng.SetState(h.WorkflowID, StateRunning, nil, "")
	st, err = env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)

	// Latched reads do not need the engine at all
	eng.Unreachable = true
	st, err = env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.False(t, st.Degraded)
}

func TestStatusDegradedWhenEngineDown(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "sync", TenantID: "t1", LogicalID: "y",
	})
	require.NoError(t, err)

	eng.Unreachable = true
	st, err := env.Status(context.Background(), h)
	require.NoError(t, err, "engine outage is a degraded read, not an error")
	assert.True(t, st.Degraded)
	assert.Equal(t, StateRunning, st.State, "degraded status reports the last observed state")
}

func TestStatusFailedCarriesError(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "sync", TenantID: "t1", LogicalID: "z",
	})
	require.NoError(t, err)

	eng.SetState(h.WorkflowID, StateFailed, nil, "validation step rejected record 7")

	st, err := env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.Error)
	assert.Equal(t, "validation step rejected record 7", st.Error.Message)
	assert.False(t, st.Degraded, "a real failure is not a degraded read")
}

func TestStatusUnknownOperation(t *testing.T) {
	env, _ := newTestEnvelope()

	_, err := env.Status(context.Background(), Handle{WorkflowID: "no-such-op"})
	assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))
}

func TestSignalAndHistory(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "approval", TenantID: "t1", LogicalID: "doc9",
	})
	require.NoError(t, err)

	require.NoError(t, env.Signal(context.Background(), h, "approve", map[string]string{"by": "u1"}))

	sigs := eng.Signals(h.WorkflowID)
	require.Len(t, sigs, 1)
	assert.Equal(t, "approve", sigs[0].Name)

	events, err := env.History(context.Background(), h, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "WorkflowExecutionStarted", events[0].Type)
}

func TestCancel(t *testing.T) {
	env, _ := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "sync", TenantID: "t1", LogicalID: "c1",
	})
	require.NoError(t, err)

	require.NoError(t, env.Cancel(context.Background(), h, "requested by user"))

	st, err := env.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.State)

	// Cancelling an already-terminal operation is a no-op
	require.NoError(t, env.Cancel(context.Background(), h, "again"))
}

func TestQueryProgress(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "import", TenantID: "t1", LogicalID: "f1",
	})
	require.NoError(t, err)

	eng.SetQueryFn(h.WorkflowID, func(name string, _ interface{}) (interface{}, error) {
		if name == "progress" {
			return map[string]interface{}{"current_step": "parse", "total_steps": float64(4), "percent": float64(25)}, nil
		}
		return nil, nil
	})

	st, err := env.Status(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, st.Progress)
	assert.Equal(t, "parse", st.Progress.CurrentStep)
	assert.Equal(t, 4, st.Progress.TotalSteps)
	assert.Equal(t, 25.0, st.Progress.Percent)
}

func TestSignalEngineDown(t *testing.T) {
	env, eng := newTestEnvelope()

	h, err := env.Start(context.Background(), StartRequest{
		OperationType: "sync", TenantID: "t1", LogicalID: "s1",
	})
	require.NoError(t, err)

	eng.Unreachable = true
	err = env.Signal(context.Background(), h, "nudge", nil)
	assert.True(t, apierror.IsCode(err, apierror.CodeEngineUnreachable))
}
