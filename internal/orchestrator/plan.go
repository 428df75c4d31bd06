package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
)

// ActionFinalize is the sentinel planner action that ends the loop
// (spec §4.6 step 1 "{action: 'server.tool'|'FINALIZE', ...}").
const ActionFinalize = "FINALIZE"

// Plan is the planner LLM's parsed decision for one iteration.
type Plan struct {
	Action     string         `json:"action"`
	Reasoning  string         `json:"reasoning"`
	Parameters map[string]any `json:"parameters"`
}

var codeFenceRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parsePlan parses the planner LLM's text defensively: strips code fences
// and tolerates surrounding prose by locating the first balanced JSON
// object in the text (spec §4.6 step 1 "Parse defensively").
func parsePlan(text string) (Plan, error) {
	candidate := strings.TrimSpace(text)
	if m := codeFenceRE.FindStringSubmatch(candidate); len(m) == 2 {
		candidate = strings.TrimSpace(m[1])
	}

	var plan Plan
	if err := json.Unmarshal([]byte(candidate), &plan); err == nil && plan.Action != "" {
		return plan, nil
	}

	if obj := extractFirstJSONObject(candidate); obj != "" {
		if err := json.Unmarshal([]byte(obj), &plan); err == nil && plan.Action != "" {
			return plan, nil
		}
	}

	return Plan{}, toolerrors.NewKind(toolerrors.KindValidation, "planner response was not valid JSON")
}

// extractFirstJSONObject scans text for the first brace-balanced {...}
// span, tolerating surrounding prose.
func extractFirstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// plan formats the planner prompt and calls the planner LLM for one
// iteration (spec §4.6 step 1).
func (o *Orchestrator) plan(ctx context.Context, in Input, trace []*ToolInvocation, mem *memory.SessionMemory, iteration int) (Plan, error) {
	prompt := buildPlannerPrompt(o.registry.RenderPrompt(), trace, mem, in)

	resp, err := o.planner.Complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: in.SystemPrompt},
			{Role: model.RoleUser, Text: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return Plan{}, toolerrors.NewKindWithCause(toolerrors.KindUpstreamMCP, "planner LLM call failed", err)
	}

	return parsePlan(resp.Text)
}

// buildPlannerPrompt assembles the planner prompt from its spec §4.6 step 1
// ingredients: tools manifest text, execution trace with duplicate
// annotations, tool-result summaries, session memory, session history
// excerpt, workspace items, selected jobs, selected workflows, current
// query, system prompt.
func buildPlannerPrompt(toolsManifest string, trace []*ToolInvocation, mem *memory.SessionMemory, in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Available tools\n%s\n", toolsManifest)

	fmt.Fprintf(&b, "## Execution trace\n")
	if len(trace) == 0 {
		b.WriteString("(none yet)\n")
	}
	for _, inv := range trace {
		fmt.Fprintf(&b, "- iteration %d: %s -> %s", inv.Iteration, inv.ActionID, inv.Status)
		if inv.ActionID == "DUPLICATE_DETECTED" {
			b.WriteString(" (duplicate detected; adapt parameters)")
		}
		if inv.Error != "" {
			fmt.Fprintf(&b, " error=%q", inv.Error)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Tool result summaries\n")
	for _, inv := range trace {
		if inv.Result == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", inv.ActionID, summarizeResult(inv.Result))
	}

	fmt.Fprintf(&b, "## Session memory\n%s\n", renderMemory(mem))

	if in.SessionHistory != "" {
		fmt.Fprintf(&b, "## Session history\n%s\n", in.SessionHistory)
	}
	if len(in.WorkspaceItems) > 0 {
		fmt.Fprintf(&b, "## Workspace items\n%v\n", in.WorkspaceItems)
	}
	if len(in.SelectedJobs) > 0 {
		fmt.Fprintf(&b, "## Selected jobs\n%v\n", in.SelectedJobs)
	}
	if len(in.SelectedWorkflows) > 0 {
		fmt.Fprintf(&b, "## Selected workflows\n%v\n", in.SelectedWorkflows)
	}

	fmt.Fprintf(&b, "## Current query\n%s\n", in.Query)
	b.WriteString("\nRespond ONLY with strict JSON of shape {\"action\": \"server.tool\"|\"FINALIZE\", \"reasoning\": string, \"parameters\": object}.\n")

	return b.String()
}

func renderMemory(mem *memory.SessionMemory) string {
	if mem == nil || len(mem.Facts) == 0 {
		return "(no facts recorded yet)"
	}
	b, err := json.Marshal(mem.Facts)
	if err != nil {
		return "(facts unavailable)"
	}
	return string(b)
}

func summarizeResult(res *mcpexec.Result) string {
	switch res.Kind {
	case mcpexec.ResultFile:
		if res.File == nil {
			return "file_reference"
		}
		return fmt.Sprintf("file_reference data_type=%s record_count=%d", res.File.DataType, res.File.Summary.RecordCount)
	case mcpexec.ResultRAG:
		if res.RAG == nil {
			return "rag_result"
		}
		return fmt.Sprintf("rag_result count=%d", res.RAG.Count)
	case mcpexec.ResultBypass:
		return "bypass_result"
	default:
		return string(res.Kind)
	}
}
