package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

// Budget bounds the characters of tool-result text injected into the
// final-response prompt (spec §4.6 "Apply a global character budget").
type Budget struct {
	FinalResponseToolChars int
}

// DefaultBudget matches the spec's documented default of 24000 characters.
func DefaultBudget() Budget {
	return Budget{FinalResponseToolChars: 24000}
}

var toolIDPattern = regexp.MustCompile(`\b[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`)

// sanitizeToolIdentifiers replaces "server.tool" patterns with "[tool]" and
// redacts internal server/protocol names from text injected into the
// final-response prompt (spec §4.6 "sanitize all MCP tool identifiers").
func sanitizeToolIdentifiers(text string) string {
	out := toolIDPattern.ReplaceAllString(text, "[tool]")
	out = strings.ReplaceAll(out, "internal_server", "[redacted]")
	out = strings.ReplaceAll(out, "mcp", "[redacted]")
	return out
}

var internalMetadataKeys = map[string]struct{}{
	"file_id":    {},
	"session_id": {},
}

// stripInternalMetadata removes internal bookkeeping fields and anything
// that looks like a local tmp path from a result payload before it is
// injected into the final-response prompt (spec §4.6 "Strip internal
// metadata").
func stripInternalMetadata(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		if _, skip := internalMetadataKeys[k]; skip {
			continue
		}
		if s, ok := val.(string); ok && (strings.HasPrefix(s, "/tmp/") || strings.Contains(s, "/sessions/")) {
			continue
		}
		out[k] = val
	}
	return out
}

// applyBudget truncates chunks to at most maxChars total, appending an
// "omitted due to prompt budget" note on the tail when truncation occurs
// (spec §4.6 "truncating the tail with an 'omitted due to prompt budget'
// note").
func applyBudget(chunks []string, maxChars int) string {
	var b strings.Builder
	remaining := maxChars
	for _, c := range chunks {
		if remaining <= 0 {
			b.WriteString("\n[omitted due to prompt budget]")
			break
		}
		if len(c) > remaining {
			b.WriteString(c[:remaining])
			b.WriteString("\n[omitted due to prompt budget]")
			remaining = 0
			break
		}
		b.WriteString(c)
		b.WriteString("\n")
		remaining -= len(c)
	}
	return b.String()
}

func toolPromptEnhancements(trace []*ToolInvocation, enhancements map[string]string) string {
	if len(enhancements) == 0 {
		return ""
	}
	var b strings.Builder
	seen := map[string]bool{}
	for _, inv := range trace {
		if inv.Status != StatusSuccess || seen[inv.ActionID] {
			continue
		}
		if text, ok := enhancements[inv.ActionID]; ok {
			b.WriteString(text)
			b.WriteString("\n")
			seen[inv.ActionID] = true
		}
	}
	return b.String()
}

// finalize builds the direct-response or tool-based-final-response prompt,
// calls the final-response LLM (streaming final_response chunks when a
// sink is attached), and assembles the assistant message (spec §4.6
// "Finalization" and "Assembly of the assistant message").
func (o *Orchestrator) finalize(ctx context.Context, in Input, trace []*ToolInvocation, finalSourceTool string, now time.Time) (*AssistantMessage, error) {
	var chunks []string
	for _, inv := range trace {
		if inv.Result == nil || inv.Status != StatusSuccess && inv.Status != StatusWarning {
			continue
		}
		raw := resultPayloadFor(inv.Result)
		sanitized := stripInternalMetadata(raw)
		text := sanitizeToolIdentifiers(renderResultText(sanitized))
		chunks = append(chunks, text)
	}
	budgeted := applyBudget(chunks, o.budget.FinalResponseToolChars)
	enhancements := toolPromptEnhancements(trace, o.toolEnhancements)

	prompt := in.Query
	if len(trace) > 0 {
		prompt = "User query:\n" + in.Query + "\n\nTool results:\n" + budgeted
		if enhancements != "" {
			prompt += "\n" + enhancements
		}
	}

	resp, err := o.finalResponder.Complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: in.SystemPrompt},
			{Role: model.RoleUser, Text: prompt},
		},
	})
	if err != nil {
		return nil, toolerrors.NewKindWithCause(toolerrors.KindUpstreamMCP, "final-response LLM call failed", err)
	}

	emit(ctx, in.Sink, stream.NewBase(stream.EventFinalResponse, in.JobID, map[string]any{"text": resp.Text}))

	return o.assemble(trace, finalSourceTool, resp.Text), nil
}

// resultPayloadFor extracts the plain-map payload of a tool result for
// injection into the final-response prompt, regardless of which Result
// kind produced it (spec §4.4 Result union, §4.6 Finalization).
func resultPayloadFor(res *mcpexec.Result) map[string]any {
	if res == nil {
		return nil
	}
	switch res.Kind {
	case mcpexec.ResultBypass:
		return res.Raw
	case mcpexec.ResultRAG:
		if res.RAG == nil {
			return nil
		}
		return map[string]any{
			"query":   res.RAG.Query,
			"count":   res.RAG.Count,
			"summary": res.RAG.Summary,
		}
	case mcpexec.ResultFile:
		if res.File == nil {
			return nil
		}
		return map[string]any{
			"data_type":    string(res.File.DataType),
			"record_count": res.File.Summary.RecordCount,
			"sample":       res.File.Summary.Sample,
		}
	default:
		return nil
	}
}

func renderResultText(v map[string]any) string {
	var b strings.Builder
	for k, val := range v {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(toText(val))
		b.WriteString("\n")
	}
	return b.String()
}

func toText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// assemble composes the assistant message's source_tool / ui_source_tool /
// replay envelope / UI display metadata (spec §4.6 "Assembly of the
// assistant message").
func (o *Orchestrator) assemble(trace []*ToolInvocation, finalSourceTool, text string) *AssistantMessage {
	msg := &AssistantMessage{Text: text}

	msg.SourceTool = finalSourceTool
	if msg.SourceTool == "" {
		for i := len(trace) - 1; i >= 0; i-- {
			if trace[i].Status == StatusSuccess {
				msg.SourceTool = trace[i].ActionID
				break
			}
		}
	}

	uiTool := o.selectUISourceTool(trace)
	if uiTool != nil {
		msg.UISourceTool = uiTool.ActionID
		env := buildReplayEnvelope(uiTool, o.classification.Replayable.Has(tools.Ident(uiTool.ActionID)))
		msg.ToolCall = env
		msg.UIToolCall = env
		msg.UIDisplay = uiDisplayFor(uiTool)
	}

	msg.WorkflowIDs = extractWorkflowIDs(trace)
	return msg
}

// selectUISourceTool scans the trace newest-to-oldest, preferring the
// configured data-query tool, then anything marked replayable, then
// anything with a replay descriptor, skipping raw file-byte/file-line
// readers (spec §4.6 "Compute ui_source_tool").
func (o *Orchestrator) selectUISourceTool(trace []*ToolInvocation) *ToolInvocation {
	for i := len(trace) - 1; i >= 0; i-- {
		inv := trace[i]
		if inv.Status != StatusSuccess {
			continue
		}
		if o.classification.RawReadTools.Has(tools.Ident(inv.ActionID)) {
			continue
		}
		id := tools.Ident(inv.ActionID)
		if o.isDataQueryTool(id) || o.classification.Replayable.Has(id) || hasReplayDescriptor(inv) {
			return inv
		}
	}
	return nil
}

func (o *Orchestrator) isDataQueryTool(id tools.Ident) bool {
	_, name, ok := id.Split()
	if !ok {
		name = string(id)
	}
	return name == o.dataQueryToolName
}

func hasReplayDescriptor(inv *ToolInvocation) bool {
	if inv.Result == nil || inv.Result.Raw == nil {
		return false
	}
	_, ok := inv.Result.Raw["call"]
	return ok
}

func buildReplayEnvelope(inv *ToolInvocation, replayable bool) *ReplayEnvelope {
	env := &ReplayEnvelope{Tool: inv.ActionID, ArgumentsExecuted: inv.Parameters, Replayable: replayable}
	if inv.Result != nil && inv.Result.Raw != nil {
		if call, ok := inv.Result.Raw["call"].(map[string]any); ok {
			env.Replay = call
		}
	}
	return env
}

func uiDisplayFor(inv *ToolInvocation) map[string]any {
	_, name, ok := tools.Ident(inv.ActionID).Split()
	if !ok {
		name = inv.ActionID
	}
	switch {
	case strings.Contains(name, "workspace"):
		chatSummary := ""
		if inv.Result != nil && inv.Result.Raw != nil {
			if s, ok := inv.Result.Raw["chatSummary"].(string); ok {
				chatSummary = s
			}
		}
		return map[string]any{"is_workspace_browse": true, "chat_summary": chatSummary, "ui_action": "open_workspace_tab"}
	case strings.Contains(name, "job"):
		return map[string]any{"ui_action": "open_jobs_tab"}
	case strings.Contains(name, "workflow"):
		display := map[string]any{"ui_action": "open_workflow_viewer"}
		if wfID := extractWorkflowID(inv); wfID != "" {
			display["workflow_id"] = wfID
		}
		if inv.Result != nil && inv.Result.Raw != nil {
			if v, ok := inv.Result.Raw["workflow_name"]; ok {
				display["workflow_name"] = v
			}
			if v, ok := inv.Result.Raw["workflow_status"]; ok {
				display["workflow_status"] = v
			}
		}
		return display
	default:
		return nil
	}
}

// extractWorkflowIDs implements spec §4.6 "Workflow id side-effect": for
// every workflow-planning or workflow-submission tool result, extract
// workflow_id (checking nested content, structuredContent,
// partial_workflow).
func extractWorkflowIDs(trace []*ToolInvocation) []string {
	var ids []string
	seen := map[string]bool{}
	for _, inv := range trace {
		id := extractWorkflowID(inv)
		if id != "" && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids
}

func extractWorkflowID(inv *ToolInvocation) string {
	if inv.Result == nil || inv.Result.Raw == nil {
		return ""
	}
	if id, ok := inv.Result.Raw["workflow_id"].(string); ok && id != "" {
		return id
	}
	for _, nestKey := range []string{"content", "structuredContent", "partial_workflow"} {
		if nested, ok := inv.Result.Raw[nestKey].(map[string]any); ok {
			if id, ok := nested["workflow_id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}
