package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cucinellclark/bvbrc-agent-core/internal/httpapi"
	"github.com/cucinellclark/bvbrc-agent-core/internal/orchestrator"
	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/cucinellclark/bvbrc-agent-core/internal/store"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/workers"
)

// progressSink wraps a job's stream.Sink to keep queue.Job's denormalized
// progress fields (CurrentIteration, CurrentTool) in sync with what SSE
// clients see, so GET /job/{id}/status can report progress without ever
// attaching to the stream.
type progressSink struct {
	inner stream.Sink
	jobs  queue.Store
	job   *queue.Job
}

func (s *progressSink) Send(ctx context.Context, event stream.Event) error {
	if event.Type() == stream.EventProgress {
		if p, ok := event.Payload().(map[string]any); ok {
			if iter, ok := p["iteration"].(int); ok {
				s.job.CurrentIteration = iter
			}
			if tool, ok := p["tool"].(string); ok {
				s.job.CurrentTool = tool
			}
			_ = s.jobs.Save(ctx, s.job)
		}
	}
	return s.inner.Send(ctx, event)
}

func (s *progressSink) Close(ctx context.Context) error { return s.inner.Close(ctx) }

// agentJobHandler runs a single copilot-agent/rag job to completion: drives
// the orchestrator, persists the transcript, opportunistically enqueues the
// summary/facts background jobs, and attaches the terminal AgentResult to
// the job record for non-streaming callers.
type agentJobHandler struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     store.Store
	Jobs         queue.Store
	Mux          *queue.SSEMultiplexer
	Thresholds   workers.Thresholds
	Log          telemetry.Logger
}

func (h *agentJobHandler) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(*httpapi.AgentJob)
	if !ok {
		return fmt.Errorf("agent job: unexpected payload type %T", job.Payload)
	}

	var history string
	if payload.IncludeHistory {
		if summary, found, err := h.Sessions.LoadSummary(ctx, payload.SessionID); err == nil && found {
			history = summary.Text
		}
	}

	sink := &progressSink{inner: h.Mux.JobSink(job.ID), jobs: h.Jobs, job: job}

	now := time.Now()
	result, err := h.Orchestrator.Run(ctx, orchestrator.Input{
		SessionID:         payload.SessionID,
		UserID:            payload.UserID,
		JobID:             job.ID,
		Query:             payload.Query,
		SystemPrompt:      payload.SystemPrompt,
		SessionHistory:    history,
		WorkspaceItems:    payload.WorkspaceItems,
		SelectedJobs:      payload.SelectedJobs,
		SelectedWorkflows: payload.SelectedWorkflows,
		AuthToken:         payload.AuthToken,
		Sink:              sink,
		Cancelled:         func() bool { return h.Mux.CancelRequested(job.ID) },
	}, now)
	if err != nil {
		return err
	}

	if err := h.Sessions.AppendMessage(ctx, store.Message{SessionID: payload.SessionID, Role: "user", Text: payload.Query, CreatedAt: now}); err != nil {
		h.Log.Error(ctx, "append user message failed", "session_id", payload.SessionID, "error", err)
	}

	messageID := uuid.NewString()
	if payload.SaveChat {
		if err := h.Sessions.AppendMessage(ctx, store.Message{SessionID: payload.SessionID, Role: "assistant", Text: result.Message.Text, CreatedAt: time.Now()}); err != nil {
			h.Log.Error(ctx, "append assistant message failed", "session_id", payload.SessionID, "error", err)
		}
	}

	job.Result = &httpapi.AgentResult{
		Text:         result.Message.Text,
		SourceTool:   result.Message.SourceTool,
		UISourceTool: result.Message.UISourceTool,
		Iterations:   result.Iterations,
		ToolsUsed:    len(result.Trace),
		MessageID:    messageID,
		UIDisplay:    result.Message.UIDisplay,
		ToolCall:     toHTTPReplay(result.Message.ToolCall),
	}

	h.maybeEnqueueBackgroundJobs(ctx, payload, result)
	return nil
}

func toHTTPReplay(r *orchestrator.ReplayEnvelope) *httpapi.ReplayEnvelope {
	if r == nil {
		return nil
	}
	return &httpapi.ReplayEnvelope{
		Tool:              r.Tool,
		ArgumentsExecuted: r.ArgumentsExecuted,
		Replayable:        r.Replayable,
		Replay:            r.Replay,
	}
}

// maybeEnqueueBackgroundJobs enqueues the summary/facts categories when
// workers.Thresholds say the session has accumulated enough new messages
// (spec §4.7 "enqueued opportunistically"). Failures are logged, not
// propagated, since a missed summary/facts refresh never invalidates the
// agent job's own result.
func (h *agentJobHandler) maybeEnqueueBackgroundJobs(ctx context.Context, payload *httpapi.AgentJob, result *orchestrator.RunResult) {
	total, err := h.Sessions.MessageCount(ctx, payload.SessionID)
	if err != nil {
		h.Log.Error(ctx, "message count failed", "session_id", payload.SessionID, "error", err)
		return
	}
	alreadySummarized := 0
	if summary, found, err := h.Sessions.LoadSummary(ctx, payload.SessionID); err == nil && found {
		alreadySummarized = summary.CoveredMessages
	}
	if !h.Thresholds.ShouldTrigger(total, alreadySummarized) {
		return
	}

	now := time.Now()
	if err := h.Jobs.Enqueue(ctx, &queue.Job{
		ID:        uuid.NewString(),
		Category:  "summary",
		Payload:   workers.SummaryPayload{SessionID: payload.SessionID},
		State:     queue.StateWaiting,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		h.Log.Error(ctx, "enqueue summary job failed", "session_id", payload.SessionID, "error", err)
	}

	if len(result.Trace) == 0 {
		return
	}
	last := result.Trace[len(result.Trace)-1]
	var rawResult map[string]any
	if last.Result != nil {
		rawResult = last.Result.Raw
	}
	if err := h.Jobs.Enqueue(ctx, &queue.Job{
		ID:       uuid.NewString(),
		Category: "facts",
		Payload: workers.FactsPayload{
			SessionID:  payload.SessionID,
			UserQuery:  payload.Query,
			ToolID:     last.ActionID,
			Parameters: last.Parameters,
			Result:     rawResult,
		},
		State:     queue.StateWaiting,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		h.Log.Error(ctx, "enqueue facts job failed", "session_id", payload.SessionID, "error", err)
	}
}
