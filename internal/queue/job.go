// Package queue implements the durable FIFO-with-priority job queue and the
// per-process SSE multiplexer described in spec §4.7: job lifecycle and
// state machine, exponential retry backoff, per-job timeout, worker
// concurrency, stream-callback registration with reconnect semantics, and
// cooperative cancellation.
package queue

import "time"

// State is a job's lifecycle state (spec §4.7 "waiting -> active ->
// (completed | failed); waiting/delayed -> cancelled; active -> cancelling
// -> cancelled").
type State string

const (
	StateWaiting    State = "waiting"
	StateDelayed    State = "delayed"
	StateActive     State = "active"
	StateCancelling State = "cancelling"
	StateCancelled  State = "cancelled"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Job is one unit of queued work (spec §4.7). Payload is an opaque blob the
// category's Handler knows how to interpret (e.g. an orchestrator Input).
type Job struct {
	ID         string
	Category   string
	Priority   int
	Payload    any
	State      State
	Attempts   int
	MaxRetries int
	Error      string

	// SessionID/UserID are duplicated out of Payload so ingress code (spec
	// §6 "GET /job/{id}/status" -> "data{session_id, user_id}") can read
	// them without knowing the category-specific Payload shape.
	SessionID string
	UserID    string

	// Progress mirrors the orchestrator's iteration position for the status
	// endpoint (spec §6 "progress{percentage, current_iteration,
	// max_iterations, current_tool}"); it is written by the handler, not by
	// the Manager.
	CurrentIteration int
	MaxIterations    int
	CurrentTool      string

	// Result carries the handler's terminal output (e.g. the orchestrator's
	// assistant message) for non-streaming callers that poll for it instead
	// of attaching an SSE stream.
	Result any

	CreatedAt time.Time
	UpdatedAt time.Time
	// NextRunAt gates delayed (retry-backoff) jobs from being dequeued again
	// before their backoff window elapses.
	NextRunAt time.Time
}

// backoffBase is the exponential retry backoff starting point (spec §4.7
// "exponential retry backoff (start 2s)").
const backoffBase = 2 * time.Second

// backoffFor computes the delay before retry attempt N (1-indexed),
// doubling each attempt: 2s, 4s, 8s, ...
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
