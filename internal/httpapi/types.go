// Package httpapi is the thin net/http + SSE ingress realizing spec §6's
// external interfaces: POST /copilot-agent (and its /rag mirror), job
// status/abort, and the SSE reconnection endpoint. It owns request
// validation and response shaping only; all actual work happens in
// internal/queue, internal/store, and internal/orchestrator.
package httpapi

import "time"

// Job categories accepted by the two ingress routes (spec §6 "RAG routes
// mirror the same shape under /rag/..."): both enqueue the same AgentJob
// payload, just onto different queue.Manager worker pools (spec §5 "default
// 3 agent, 3 RAG").
const (
	CategoryAgent = "agent"
	CategoryRAG   = "rag"
)

// AgentRequest is the POST /copilot-agent (and /rag/copilot-agent) request
// body (spec §6 "{query, model, session_id, user_id, system_prompt?,
// save_chat?, include_history?, auth_token?, stream? (default true),
// workspace_items?, selected_jobs?, selected_workflows?, images?[<=10]}").
type AgentRequest struct {
	Query             string   `json:"query"`
	Model             string   `json:"model"`
	SessionID         string   `json:"session_id"`
	UserID            string   `json:"user_id"`
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	SaveChat          *bool    `json:"save_chat,omitempty"`
	IncludeHistory    *bool    `json:"include_history,omitempty"`
	AuthToken         string   `json:"auth_token,omitempty"`
	Stream            *bool    `json:"stream,omitempty"`
	WorkspaceItems    []any    `json:"workspace_items,omitempty"`
	SelectedJobs      []any    `json:"selected_jobs,omitempty"`
	SelectedWorkflows []any    `json:"selected_workflows,omitempty"`
	Images            []string `json:"images,omitempty"`
}

const maxImages = 10

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// AgentJob is the queue.Job.Payload for both ingress categories, carrying
// everything the agent job handler needs to build an orchestrator.Input
// (spec §4.6 Input) plus the chat-persistence flags the handler consults
// once the run completes.
type AgentJob struct {
	Category          string
	SessionID         string
	UserID            string
	Query             string
	Model             string
	SystemPrompt      string
	SaveChat          bool
	IncludeHistory    bool
	AuthToken         string
	WorkspaceItems    []any
	SelectedJobs      []any
	SelectedWorkflows []any
	Images            []string
}

// AgentResult is the handler's terminal output, attached to queue.Job.Result
// so a non-streaming caller can retrieve it without ever opening an SSE
// connection.
type AgentResult struct {
	Text         string          `json:"text"`
	SourceTool   string          `json:"source_tool,omitempty"`
	UISourceTool string          `json:"ui_source_tool,omitempty"`
	Iterations   int             `json:"iterations"`
	ToolsUsed    int             `json:"tools_used"`
	MessageID    string          `json:"message_id,omitempty"`
	UIDisplay    map[string]any  `json:"ui_display,omitempty"`
	ToolCall     *ReplayEnvelope `json:"tool_call,omitempty"`
}

// ReplayEnvelope mirrors orchestrator.ReplayEnvelope without importing the
// orchestrator package into the wire format, keeping httpapi's JSON shape
// stable independent of the orchestrator's internal types.
type ReplayEnvelope struct {
	Tool              string         `json:"tool"`
	ArgumentsExecuted map[string]any `json:"arguments_executed"`
	Replayable        bool           `json:"replayable"`
	Replay            map[string]any `json:"replay,omitempty"`
}

// ProgressDTO is the GET /job/{id}/status "progress" object (spec §6
// "progress{percentage, current_iteration, max_iterations, current_tool}").
type ProgressDTO struct {
	Percentage       int    `json:"percentage"`
	CurrentIteration int    `json:"current_iteration"`
	MaxIterations    int    `json:"max_iterations"`
	CurrentTool      string `json:"current_tool,omitempty"`
}

// JobDataDTO is the status response's "data" object (spec §6
// "data{session_id, user_id}").
type JobDataDTO struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// JobStatusResponse is the GET /job/{id}/status response body.
type JobStatusResponse struct {
	Found      bool        `json:"found"`
	Status     string      `json:"status,omitempty"`
	Progress   ProgressDTO `json:"progress"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty"`
	Attempts   int         `json:"attempts"`
	Data       JobDataDTO  `json:"data"`
}

// JobAbortResponse is the POST /job/{id}/abort response body (spec §6
// "body: {job_id, previous_state, note}").
type JobAbortResponse struct {
	JobID         string `json:"job_id"`
	PreviousState string `json:"previous_state"`
	Note          string `json:"note"`
}

// errorResponse is the uniform JSON error body for non-2xx responses (spec
// §7 error taxonomy: validation->400, auth->401, not-found->404, state->409).
type errorResponse struct {
	Error string `json:"error"`
}
