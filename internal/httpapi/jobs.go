package httpapi

import (
	"errors"
	"net/http"

	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
)

// handleJobStatus implements GET /job/{id}/status (spec §6 "{found, status,
// progress{...}, error?, timestamps, attempts, data{session_id, user_id}}").
// A missing job reports found=false rather than 404, since "found" exists
// precisely so pollers don't have to special-case HTTP status codes.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		var nf *queue.ErrNotFound
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusOK, JobStatusResponse{Found: false})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	maxIter := job.MaxIterations
	if maxIter <= 0 {
		maxIter = s.Cfg.Agent.MaxIterations
	}
	resp := JobStatusResponse{
		Found:  true,
		Status: string(job.State),
		Progress: ProgressDTO{
			Percentage:       stream.Percentage(job.CurrentIteration, maxIter),
			CurrentIteration: job.CurrentIteration,
			MaxIterations:    maxIter,
			CurrentTool:      job.CurrentTool,
		},
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Attempts:  job.Attempts,
		Data:      JobDataDTO{SessionID: job.SessionID, UserID: job.UserID},
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobAbort implements POST /job/{id}/abort (spec §6 "200 for terminal
// cancel of waiting/delayed; 202 for cooperative cancel of active; 404 if
// absent; 409 if not cancellable").
func (s *Server) handleJobAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		var nf *queue.ErrNotFound
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	previous := job.State
	switch previous {
	case queue.StateWaiting, queue.StateDelayed:
		if _, err := s.Jobs.Cancel(ctx, id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.Mux.RequestCancel(id)
		s.Mux.ConfirmCancelled(id)
		writeJSON(w, http.StatusOK, JobAbortResponse{JobID: id, PreviousState: string(previous), Note: "cancelled before execution"})
	case queue.StateActive:
		if _, err := s.Jobs.Cancel(ctx, id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.Mux.RequestCancel(id)
		writeJSON(w, http.StatusAccepted, JobAbortResponse{JobID: id, PreviousState: string(previous), Note: "cancellation requested; job will stop at its next checkpoint"})
	case queue.StateCancelling:
		// abort(abort(j)) == abort(j): idempotent re-request (spec §8).
		writeJSON(w, http.StatusAccepted, JobAbortResponse{JobID: id, PreviousState: string(previous), Note: "cancellation already requested"})
	default:
		writeError(w, http.StatusConflict, "job is already in a terminal state: "+string(previous))
	}
}

// handleJobStream implements GET /job/{id}/stream, the SSE reconnection
// endpoint (spec §4.7 "Reconnection endpoint").
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	if _, err := s.Jobs.Get(ctx, id); err != nil {
		var nf *queue.ErrNotFound
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
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

	if err := s.Mux.Reconnect(ctx, s.Jobs, id, sink); err != nil {
		return
	}
	s.blockUntilTerminal(ctx, id)
}
