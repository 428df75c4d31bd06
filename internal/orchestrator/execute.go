package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
)

// execute runs one planned tool call (spec §4.6 step 3), appends the trace
// entry, and updates session memory.
func (o *Orchestrator) execute(ctx context.Context, in Input, plan Plan, iteration int, now time.Time) (*ToolInvocation, error) {
	inv := &ToolInvocation{
		Iteration:          iteration,
		ActionID:           plan.Action,
		Reasoning:          plan.Reasoning,
		Parameters:         normalizeParams(plan.Parameters),
		proposedParameters: plan.Parameters,
		Timestamp:          now,
	}

	res, err := o.executor.Execute(ctx, plan.Action, plan.Parameters, mcpexec.ExecContext{
		SessionID:           in.SessionID,
		JobID:               in.JobID,
		AuthToken:            in.AuthToken,
		HomePath:             in.HomePath,
		ConversationContext: in.ConversationContext,
		WorkspaceItems:      in.WorkspaceItems,
		Sink:                in.Sink,
		Cancelled:           in.Cancelled,
	})
	if err != nil {
		inv.Status = StatusFailed
		inv.Error = err.Error()
		emit(ctx, in.Sink, stream.NewBase(stream.EventToolExecuted, in.JobID, stream.ToolExecutedPayload{
			ToolID: plan.Action, Status: string(StatusFailed), Error: err.Error(),
		}))
		return inv, err
	}

	inv.Status = StatusSuccess
	inv.Result = res
	inv.ResultMeta = ResultMeta{HasResult: true, ResultType: string(res.Kind)}
	if res.Overridden != nil {
		inv.Parameters = normalizeParams(res.Overridden)
	}
	if res.Partial {
		inv.Status = StatusWarning
	}

	emit(ctx, in.Sink, stream.NewBase(stream.EventToolExecuted, in.JobID, stream.ToolExecutedPayload{
		ToolID: plan.Action, Status: string(inv.Status),
	}))

	if o.memory != nil {
		if _, memErr := o.memory.RecordToolResult(ctx, in.SessionID, plan.Action, plan.Parameters, sampleRecordFrom(res), resultToRaw(res), now); memErr != nil {
			o.log.Warn(ctx, "session memory update failed", "error", memErr.Error())
		}
	}

	return inv, nil
}

func resultToRaw(res *mcpexec.Result) any {
	if res == nil {
		return nil
	}
	if res.Raw != nil {
		return res.Raw
	}
	return nil
}

// shouldStopOnError implements spec §4.6 step 5's stop decision: stop if
// the failure message mentions session/auth/not-found and no prior results
// exist, or if the last three trace entries contain >=2 failures.
func (o *Orchestrator) shouldStopOnError(trace []*ToolInvocation) bool {
	if len(trace) == 0 {
		return false
	}
	last := trace[len(trace)-1]

	msg := strings.ToLower(last.Error)
	mentionsFatal := strings.Contains(msg, "session") || strings.Contains(msg, "auth") || strings.Contains(msg, "not found") || strings.Contains(msg, "not_found")
	if mentionsFatal && !hasData(trace) {
		return true
	}

	window := trace
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	failures := 0
	for _, inv := range window {
		if inv.Status == StatusFailed || inv.Status == StatusError {
			failures++
		}
	}
	return failures >= 2
}
