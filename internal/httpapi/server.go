package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cucinellclark/bvbrc-agent-core/internal/config"
	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/cucinellclark/bvbrc-agent-core/internal/store"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
)

// Server holds the dependencies the ingress handlers need: the durable job
// store and its SSE multiplexer (already wired with worker pools by
// cmd/agentcore), the session/message store, and enough configuration to
// size the default agent-iteration budget reported in job status.
type Server struct {
	Jobs    queue.Store
	Mux     *queue.SSEMultiplexer
	Session store.Store
	Cfg     config.Config
	Log     telemetry.Logger

	// Now is injected so tests can control timestamps; defaults to
	// time.Now in NewServer.
	Now func() time.Time
}

// NewServer constructs a Server with sane defaults for optional fields.
func NewServer(jobs queue.Store, mux *queue.SSEMultiplexer, sessions store.Store, cfg config.Config, log telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Server{Jobs: jobs, Mux: mux, Session: sessions, Cfg: cfg, Log: log, Now: time.Now}
}

// Routes registers every spec §6 ingress route, including the /rag mirror,
// onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /copilot-agent", s.handleCopilotAgent(CategoryAgent))
	mux.HandleFunc("POST /rag/copilot-agent", s.handleCopilotAgent(CategoryRAG))
	mux.HandleFunc("GET /job/{id}/status", s.handleJobStatus)
	mux.HandleFunc("GET /rag/job/{id}/status", s.handleJobStatus)
	mux.HandleFunc("POST /job/{id}/abort", s.handleJobAbort)
	mux.HandleFunc("POST /rag/job/{id}/abort", s.handleJobAbort)
	mux.HandleFunc("GET /job/{id}/stream", s.handleJobStream)
	mux.HandleFunc("GET /rag/job/{id}/stream", s.handleJobStream)
}

func newJobID() string { return uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
