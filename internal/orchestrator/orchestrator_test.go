package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct{ prompt string }

func (f *fakeRegistry) RenderPrompt() string { return f.prompt }

type fakeExecutor struct {
	results map[string]*mcpexec.Result
	errs    map[string]error
	calls   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, toolID string, params map[string]any, ectx mcpexec.ExecContext) (*mcpexec.Result, error) {
	f.calls = append(f.calls, toolID)
	if err, ok := f.errs[toolID]; ok {
		return nil, err
	}
	if res, ok := f.results[toolID]; ok {
		return res, nil
	}
	return &mcpexec.Result{Kind: mcpexec.ResultBypass, Raw: map[string]any{}}, nil
}

// fakePlanner returns a queue of scripted planner responses, one per call,
// falling back to FINALIZE once the script runs out.
type fakePlanner struct {
	responses []string
	i         int
}

func (f *fakePlanner) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if f.i >= len(f.responses) {
		return model.Response{Text: `{"action":"FINALIZE","reasoning":"out of script"}`}, nil
	}
	text := f.responses[f.i]
	f.i++
	return model.Response{Text: text}, nil
}

type fakeResponder struct{ text string }

func (f *fakeResponder) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	return model.Response{Text: f.text}, nil
}

func newTestOrchestrator(planner *fakePlanner, exec *fakeExecutor) *Orchestrator {
	return New(Options{
		Registry:       &fakeRegistry{prompt: "tools..."},
		Executor:       exec,
		Memory:         memory.New(memory.NewMemStore()),
		Planner:        planner,
		FinalResponder: &fakeResponder{text: "final answer"},
		MaxIterations:  3,
	})
}

func TestRunFinalizesImmediatelyWhenPlannerReturnsFinalizeOnFirstIteration(t *testing.T) {
	planner := &fakePlanner{responses: []string{`{"action":"FINALIZE","reasoning":"no tools needed"}`}}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(planner, exec)

	result, err := o.Run(context.Background(), Input{SessionID: "s1", Query: "hello"}, time.Now())

	require.NoError(t, err)
	assert.Empty(t, result.Trace)
	assert.Equal(t, "final answer", result.Message.Text)
	assert.Empty(t, exec.calls)
}

func TestRunExecutesToolThenFinalizesOnTerminalTool(t *testing.T) {
	planner := &fakePlanner{responses: []string{
		`{"action":"srv.terminal_tool","reasoning":"run it","parameters":{}}`,
	}}
	exec := &fakeExecutor{results: map[string]*mcpexec.Result{
		"srv.terminal_tool": {Kind: mcpexec.ResultBypass, Raw: map[string]any{"ok": true}},
	}}
	o := New(Options{
		Registry:       &fakeRegistry{},
		Executor:       exec,
		Memory:         memory.New(memory.NewMemStore()),
		Planner:        planner,
		FinalResponder: &fakeResponder{text: "done"},
		MaxIterations:  3,
	})
	o.classification.Finalize = tools.NewPredicateSet("srv.terminal_tool")

	result, err := o.Run(context.Background(), Input{SessionID: "s1", Query: "q"}, time.Now())

	require.NoError(t, err)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, StatusSuccess, result.Trace[0].Status)
	assert.Equal(t, 1, result.Iterations)
}

func TestRunStopsAtMaxIterationsAndStillFinalizes(t *testing.T) {
	responses := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, fmt.Sprintf(`{"action":"srv.tool%d","reasoning":"go","parameters":{}}`, i))
	}
	planner := &fakePlanner{responses: responses}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(planner, exec)

	result, err := o.Run(context.Background(), Input{SessionID: "s1", Query: "q"}, time.Now())

	require.NoError(t, err)
	assert.Len(t, result.Trace, 3, "loop must not exceed MaxIterations")
}

func TestRunReturnsJobCancelledWhenCancelledBeforeFirstIteration(t *testing.T) {
	planner := &fakePlanner{responses: []string{`{"action":"FINALIZE","reasoning":"n/a"}`}}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(planner, exec)

	_, err := o.Run(context.Background(), Input{
		SessionID: "s1",
		Query:     "q",
		Cancelled: func() bool { return true },
	}, time.Now())

	require.Error(t, err)
	assert.True(t, toolerrors.IsJobCancelled(err))
}

func TestRunAppliesErrorRecoveryStopCondition(t *testing.T) {
	planner := &fakePlanner{responses: []string{
		`{"action":"srv.failer","reasoning":"try","parameters":{}}`,
		`{"action":"srv.failer","reasoning":"try again","parameters":{"x":1}}`,
	}}
	exec := &fakeExecutor{errs: map[string]error{"srv.failer": fmt.Errorf("session expired")}}
	o := newTestOrchestrator(planner, exec)

	result, err := o.Run(context.Background(), Input{SessionID: "s1", Query: "q"}, time.Now())

	require.NoError(t, err)
	assert.Len(t, result.Trace, 1, "should stop after first fatal session failure with no prior data")
}
