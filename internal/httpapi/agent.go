package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/cucinellclark/bvbrc-agent-core/internal/store"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
)

// handleCopilotAgent returns the POST /copilot-agent (or /rag mirror)
// handler for category, which validates the request, enqueues an AgentJob,
// and either streams SSE progress on the same response (spec §6 default
// stream=true) or blocks for the job's terminal result and returns one JSON
// body (spec §6 "stream? (default true)").
func (s *Server) handleCopilotAgent(category string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Query == "" {
			writeError(w, http.StatusBadRequest, "missing required field: query")
			return
		}
		if req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "missing required field: session_id")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "missing required field: user_id")
			return
		}
		if len(req.Images) > maxImages {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("images: at most %d allowed", maxImages))
			return
		}

		ctx := r.Context()
		now := s.Now()
		if _, err := s.Session.CreateSession(ctx, req.SessionID, req.UserID, now); err != nil {
			if errors.Is(err, store.ErrSessionEnded) {
				writeError(w, http.StatusConflict, "session has ended")
				return
			}
			writeError(w, http.StatusInternalServerError, "create session: "+err.Error())
			return
		}

		payload := &AgentJob{
			Category:          category,
			SessionID:         req.SessionID,
			UserID:            req.UserID,
			Query:             req.Query,
			Model:             req.Model,
			SystemPrompt:      req.SystemPrompt,
			SaveChat:          boolOr(req.SaveChat, true),
			IncludeHistory:    boolOr(req.IncludeHistory, true),
			AuthToken:         req.AuthToken,
			WorkspaceItems:    req.WorkspaceItems,
			SelectedJobs:      req.SelectedJobs,
			SelectedWorkflows: req.SelectedWorkflows,
			Images:            req.Images,
		}

		job := &queue.Job{
			ID:            newJobID(),
			Category:      category,
			Priority:      0,
			Payload:       payload,
			State:         queue.StateWaiting,
			SessionID:     req.SessionID,
			UserID:        req.UserID,
			MaxIterations: s.Cfg.Agent.MaxIterations,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.Jobs.Enqueue(ctx, job); err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue job: "+err.Error())
			return
		}

		if !boolOr(req.Stream, true) {
			s.respondOneShot(w, ctx, job.ID)
			return
		}

		sink, err := stream.NewHTTPSink(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		if err := sink.Opening(); err != nil {
			return
		}
		defer func() { _ = sink.Close(ctx) }()

		if err := s.Mux.Reconnect(ctx, s.Jobs, job.ID, sink); err != nil {
			return
		}
		s.blockUntilTerminal(ctx, job.ID)
	}
}

// respondOneShot blocks until job.ID reaches a terminal state and responds
// with its AgentResult (or an error) as a single JSON body, for stream=false
// callers (spec §6 "stream? (default true)").
func (s *Server) respondOneShot(w http.ResponseWriter, ctx context.Context, jobID string) {
	job := s.blockUntilTerminal(ctx, jobID)
	if job == nil {
		writeError(w, http.StatusGatewayTimeout, "job did not complete before the client disconnected")
		return
	}
	switch job.State {
	case queue.StateCompleted:
		writeJSON(w, http.StatusOK, job.Result)
	case queue.StateCancelled:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": "cancelled"})
	default:
		writeError(w, http.StatusInternalServerError, job.Error)
	}
}

// blockUntilTerminal polls the job store until jobID reaches a terminal
// state or ctx is done (client disconnected), returning the last-read job
// (nil if ctx ended first). Polling, not a completion channel, keeps the
// queue.Store interface the single source of truth a reconnecting client
// and an original requester both observe identically.
func (s *Server) blockUntilTerminal(ctx context.Context, jobID string) *queue.Job {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := s.Jobs.Get(ctx, jobID)
		if err == nil && isTerminal(job.State) {
			return job
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func isTerminal(st queue.State) bool {
	switch st {
	case queue.StateCompleted, queue.StateFailed, queue.StateCancelled:
		return true
	default:
		return false
	}
}
