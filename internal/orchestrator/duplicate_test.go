package orchestrator

import (
	"testing"

	"github.com/cucinellclark/bvbrc-agent-core/internal/filestore"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeValueTrimsAndCoercesBooleanishStrings(t *testing.T) {
	params := map[string]any{
		"a": "  hello  ",
		"b": "",
		"c": "true",
		"d": "false",
		"e": 42,
	}

	out := normalizeParams(params)

	assert.Equal(t, "hello", out["a"])
	assert.Nil(t, out["b"])
	assert.Equal(t, true, out["c"])
	assert.Equal(t, false, out["d"])
	assert.Equal(t, 42, out["e"])
}

func TestNormalizedKeyIsOrderIndependent(t *testing.T) {
	a := normalizedKey(map[string]any{"x": 1, "y": 2})
	b := normalizedKey(map[string]any{"y": 2, "x": 1})

	assert.Equal(t, a, b)
}

func TestHasDataIsTrueOnlyForNonErrorFileResultsWithRecords(t *testing.T) {
	empty := []*ToolInvocation{{Result: &mcpexec.Result{Kind: mcpexec.ResultFile, File: &filestore.FileReference{Summary: filestore.Summary{RecordCount: 0}}}}}
	assert.False(t, hasData(empty))

	errored := []*ToolInvocation{{Result: &mcpexec.Result{Kind: mcpexec.ResultFile, File: &filestore.FileReference{IsError: true, Summary: filestore.Summary{RecordCount: 5}}}}}
	assert.False(t, hasData(errored))

	withData := []*ToolInvocation{{Result: &mcpexec.Result{Kind: mcpexec.ResultFile, File: &filestore.FileReference{Summary: filestore.Summary{RecordCount: 5}}}}}
	assert.True(t, hasData(withData))
}

func TestCheckDuplicateOnlyAppliesToTrackedTools(t *testing.T) {
	o := &Orchestrator{duplicateTools: tools.NewPredicateSet("srv.search")}
	trace := []*ToolInvocation{{ActionID: "srv.other", Status: StatusSuccess, proposedParameters: map[string]any{"q": "x"}}}

	dup, reason := o.checkDuplicate(trace, Plan{Action: "srv.other", Parameters: map[string]any{"q": "x"}})

	assert.False(t, dup)
	assert.Equal(t, duplicateReasonNone, reason)
}

func TestCheckDuplicateDetectsRepeatedTrackedCallWithoutData(t *testing.T) {
	o := &Orchestrator{duplicateTools: tools.NewPredicateSet("srv.search")}
	trace := []*ToolInvocation{{
		ActionID: "srv.search", Status: StatusSuccess, proposedParameters: map[string]any{"q": "x"},
		Result: &mcpexec.Result{Kind: mcpexec.ResultBypass},
	}}

	dup, reason := o.checkDuplicate(trace, Plan{Action: "srv.search", Parameters: map[string]any{"q": "x"}})

	assert.True(t, dup)
	assert.Equal(t, duplicateReasonAdapt, reason)
}

func TestCheckDuplicateOverridesToFinalizeWhenPriorDataExists(t *testing.T) {
	o := &Orchestrator{duplicateTools: tools.NewPredicateSet("srv.search")}
	trace := []*ToolInvocation{{
		ActionID: "srv.search", Status: StatusSuccess, proposedParameters: map[string]any{"q": "x"},
		Result: &mcpexec.Result{Kind: mcpexec.ResultFile, File: &filestore.FileReference{Summary: filestore.Summary{RecordCount: 10}}},
	}}

	dup, reason := o.checkDuplicate(trace, Plan{Action: "srv.search", Parameters: map[string]any{"q": "x"}})

	assert.True(t, dup)
	assert.Equal(t, duplicateReasonHasData, reason)
}
