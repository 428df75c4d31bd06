// Package workers implements the two background job handlers queued
// opportunistically alongside the agent queue (spec §4.8): conversation
// summarization and session-facts refresh. Both are idempotent on
// identical input, and both run as internal/queue.Handler functions under
// their own lower-priority categories ("summary", "facts").
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
)

// Thresholds gates when a summary/facts job is worth enqueueing at all
// (spec §4.7 "enqueued opportunistically when total message count >=
// min_messages_for_summary and total - already_summarized >=
// trigger_every_n").
type Thresholds struct {
	MinMessagesForSummary int
	TriggerEveryN         int
}

// DefaultThresholds returns the spec's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{MinMessagesForSummary: 6, TriggerEveryN: 6}
}

// ShouldTrigger reports whether a summary/facts job is worth enqueueing
// given the session's total message count and how many messages were
// already folded into the last summary.
func (t Thresholds) ShouldTrigger(totalMessages, alreadySummarized int) bool {
	if totalMessages < t.MinMessagesForSummary {
		return false
	}
	return totalMessages-alreadySummarized >= t.TriggerEveryN
}

// Message is one transcript turn a worker reads to build its input
// (deliberately narrower than model.Message: workers never need Role
// beyond distinguishing user/assistant text for the prompt body).
type Message struct {
	Role string
	Text string
}

// SessionReader is the minimal session-transcript access a worker needs,
// narrowed for testability against the eventual internal/store-backed
// implementation (mirrors the orchestrator package's Registry/Executor
// narrowing pattern).
type SessionReader interface {
	Messages(ctx context.Context, sessionID string) ([]Message, error)
}

// SummaryWriter persists the rebuilt compact summary and records how many
// messages it covers, so a later ShouldTrigger check has an accurate
// alreadySummarized count.
type SummaryWriter interface {
	SaveSummary(ctx context.Context, sessionID, summary string, coveredMessages int, now time.Time) error
}

// SummaryPayload is the queue.Job.Payload shape for the "summary" category.
type SummaryPayload struct {
	SessionID string
}

// ConversationSummaryHandler rebuilds a session's compact summary when
// enqueued (spec §4.8 "conversation_summary: rebuilds a compact summary of
// the session when thresholds are hit"). Rebuilding from the full
// transcript each time (rather than incrementally extending the prior
// summary) is what makes the handler idempotent on identical input.
type ConversationSummaryHandler struct {
	Sessions  SessionReader
	Summaries SummaryWriter
	Model     model.Provider
	Log       telemetry.Logger
}

// Handle implements queue.Handler.
func (h *ConversationSummaryHandler) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(SummaryPayload)
	if !ok {
		return fmt.Errorf("conversation_summary: unexpected payload type %T", job.Payload)
	}

	messages, err := h.Sessions.Messages(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load messages for session %q: %w", payload.SessionID, err)
	}
	if len(messages) == 0 {
		return nil
	}

	resp, err := h.Model.Complete(ctx, model.Request{
		ModelClass: model.ModelClassSmall,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: summarySystemPrompt},
			{Role: model.RoleUser, Text: renderTranscript(messages)},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return fmt.Errorf("summarize session %q: %w", payload.SessionID, err)
	}

	return h.Summaries.SaveSummary(ctx, payload.SessionID, resp.Text, len(messages), time.Now())
}

const summarySystemPrompt = "Summarize the conversation below into a compact, factual briefing " +
	"an assistant can use to resume the session. Keep it under 200 words."

func renderTranscript(messages []Message) string {
	out := ""
	for _, m := range messages {
		out += fmt.Sprintf("%s: %s\n", m.Role, m.Text)
	}
	return out
}

// FactsPayload is the queue.Job.Payload shape for the "facts" category
// (spec §4.8 "from the most recent user query, tool id, parameters, and
// result").
type FactsPayload struct {
	SessionID  string
	UserQuery  string
	ToolID     string
	Parameters map[string]any
	Result     map[string]any
}

// FactsRefreshHandler invokes an LLM to rewrite the authoritative facts
// block in session memory (spec §4.8 "session_facts: invokes an LLM to
// refresh the authoritative facts block ... Both are idempotent on
// identical input" — ApplyLLMFacts overwrites by key, so replaying the
// same payload twice converges to the same facts).
type FactsRefreshHandler struct {
	Memory *memory.Service
	Model  model.Provider
	Log    telemetry.Logger
}

// Handle implements queue.Handler.
func (h *FactsRefreshHandler) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(FactsPayload)
	if !ok {
		return fmt.Errorf("session_facts: unexpected payload type %T", job.Payload)
	}

	resp, err := h.Model.Complete(ctx, model.Request{
		ModelClass: model.ModelClassSmall,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: factsSystemPrompt},
			{Role: model.RoleUser, Text: renderFactsPrompt(payload)},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return fmt.Errorf("refresh facts for session %q: %w", payload.SessionID, err)
	}

	facts, err := parseFacts(resp.Text)
	if err != nil {
		return fmt.Errorf("parse facts response for session %q: %w", payload.SessionID, err)
	}

	_, err = h.Memory.ApplyLLMFacts(ctx, payload.SessionID, facts, time.Now())
	return err
}

const factsSystemPrompt = "Extract a small JSON object of durable facts (identifiers, names, " +
	"chosen parameters) from the latest turn below. Respond with JSON only."

func renderFactsPrompt(p FactsPayload) string {
	return fmt.Sprintf("user_query: %s\ntool_id: %s\nparameters: %s\nresult: %s",
		p.UserQuery, p.ToolID, mapToJSON(p.Parameters), mapToJSON(p.Result))
}
