package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/filestore"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRecordsSuccessAndUpdatesMemory(t *testing.T) {
	exec := &fakeExecutor{results: map[string]*mcpexec.Result{
		"srv.tool": {Kind: mcpexec.ResultBypass, Raw: map[string]any{"genome_id": "83332.12"}},
	}}
	mem := memory.New(memory.NewMemStore())
	o := New(Options{Memory: mem, Executor: exec, Registry: &fakeRegistry{}, Planner: &fakePlanner{}, FinalResponder: &fakeResponder{}})

	inv, err := o.execute(context.Background(), Input{SessionID: "s1"}, Plan{Action: "srv.tool", Parameters: map[string]any{}}, 1, time.Now())

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, inv.Status)
	assert.True(t, inv.ResultMeta.HasResult)

	updated, err := mem.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "83332.12", updated.Facts["genome_id"])
}

func TestExecuteStoresOverriddenParametersNotProposedOnes(t *testing.T) {
	exec := &fakeExecutor{results: map[string]*mcpexec.Result{
		"srv.tool": {Kind: mcpexec.ResultBypass, Raw: map[string]any{}, Overridden: map[string]any{"session_id": "s1", "query": "x"}},
	}}
	o := New(Options{Memory: memory.New(memory.NewMemStore()), Executor: exec, Registry: &fakeRegistry{}, Planner: &fakePlanner{}, FinalResponder: &fakeResponder{}})

	inv, err := o.execute(context.Background(), Input{SessionID: "s1"}, Plan{Action: "srv.tool", Parameters: map[string]any{"query": "x"}}, 1, time.Now())

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"session_id": "s1", "query": "x"}, inv.Parameters, "trace must store the exact parameters executed, not the planner's pre-override proposal")
	assert.Equal(t, map[string]any{"query": "x"}, inv.proposedParameters, "duplicate detection must still compare against the planner's pre-override proposal")
}

func TestExecuteMarksFailedStatusAndReturnsError(t *testing.T) {
	exec := &fakeExecutor{errs: map[string]error{"srv.tool": fmt.Errorf("boom")}}
	o := New(Options{Memory: memory.New(memory.NewMemStore()), Executor: exec, Registry: &fakeRegistry{}, Planner: &fakePlanner{}, FinalResponder: &fakeResponder{}})

	inv, err := o.execute(context.Background(), Input{SessionID: "s1"}, Plan{Action: "srv.tool"}, 1, time.Now())

	require.Error(t, err)
	assert.Equal(t, StatusFailed, inv.Status)
	assert.Equal(t, "boom", inv.Error)
}

func TestExecuteMarksWarningStatusOnPartialResult(t *testing.T) {
	exec := &fakeExecutor{results: map[string]*mcpexec.Result{
		"srv.tool": {Kind: mcpexec.ResultFile, Partial: true, File: &filestore.FileReference{}},
	}}
	o := New(Options{Memory: memory.New(memory.NewMemStore()), Executor: exec, Registry: &fakeRegistry{}, Planner: &fakePlanner{}, FinalResponder: &fakeResponder{}})

	inv, err := o.execute(context.Background(), Input{SessionID: "s1"}, Plan{Action: "srv.tool"}, 1, time.Now())

	require.NoError(t, err)
	assert.Equal(t, StatusWarning, inv.Status)
}

func TestShouldStopOnErrorWhenFatalAndNoPriorData(t *testing.T) {
	o := &Orchestrator{}
	trace := []*ToolInvocation{{Status: StatusFailed, Error: "session expired"}}

	assert.True(t, o.shouldStopOnError(trace))
}

func TestShouldStopOnErrorContinuesWhenFatalButDataAlreadyInHand(t *testing.T) {
	o := &Orchestrator{}
	trace := []*ToolInvocation{
		{Status: StatusSuccess, Result: &mcpexec.Result{Kind: mcpexec.ResultFile, File: &filestore.FileReference{Summary: filestore.Summary{RecordCount: 3}}}},
		{Status: StatusFailed, Error: "session expired"},
	}

	assert.False(t, o.shouldStopOnError(trace))
}

func TestShouldStopOnErrorWhenTwoOfLastThreeAreFailures(t *testing.T) {
	o := &Orchestrator{}
	trace := []*ToolInvocation{
		{Status: StatusFailed, Error: "not relevant"},
		{Status: StatusSuccess},
		{Status: StatusFailed, Error: "also not fatal wording"},
	}

	assert.True(t, o.shouldStopOnError(trace))
}

func TestShouldStopOnErrorContinuesOnSingleTransientFailure(t *testing.T) {
	o := &Orchestrator{}
	trace := []*ToolInvocation{{Status: StatusFailed, Error: "temporary glitch"}}

	assert.False(t, o.shouldStopOnError(trace))
}
