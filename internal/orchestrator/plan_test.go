package orchestrator

import (
	"testing"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanAcceptsPlainJSON(t *testing.T) {
	plan, err := parsePlan(`{"action":"srv.tool","reasoning":"because","parameters":{"a":1}}`)

	require.NoError(t, err)
	assert.Equal(t, "srv.tool", plan.Action)
	assert.Equal(t, float64(1), plan.Parameters["a"])
}

func TestParsePlanStripsCodeFences(t *testing.T) {
	text := "Here is my plan:\n```json\n{\"action\":\"FINALIZE\",\"reasoning\":\"done\"}\n```\n"

	plan, err := parsePlan(text)

	require.NoError(t, err)
	assert.Equal(t, ActionFinalize, plan.Action)
}

func TestParsePlanExtractsFirstBalancedObjectFromSurroundingProse(t *testing.T) {
	text := `I think we should do this: {"action":"srv.tool","reasoning":"x","parameters":{"nested":{"a":1}}} and that's it.`

	plan, err := parsePlan(text)

	require.NoError(t, err)
	assert.Equal(t, "srv.tool", plan.Action)
}

func TestParsePlanReturnsValidationErrorOnUnparsableText(t *testing.T) {
	_, err := parsePlan("not json at all, sorry")

	require.Error(t, err)
}

func TestSummarizeResultDescribesEachResultKind(t *testing.T) {
	file := &mcpexec.Result{Kind: mcpexec.ResultFile, File: nil}
	assert.Equal(t, "file_reference", summarizeResult(file))

	rag := &mcpexec.Result{Kind: mcpexec.ResultRAG, RAG: &mcpexec.RAGResult{Count: 4}}
	assert.Equal(t, "rag_result count=4", summarizeResult(rag))

	bypass := &mcpexec.Result{Kind: mcpexec.ResultBypass}
	assert.Equal(t, "bypass_result", summarizeResult(bypass))
}

func TestRenderMemoryReportsNoFactsWhenEmpty(t *testing.T) {
	assert.Equal(t, "(no facts recorded yet)", renderMemory(nil))
}
