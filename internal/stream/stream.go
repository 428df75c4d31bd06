// Package stream defines the SSE-facing event vocabulary emitted by the
// job queue, executor, and orchestrator (spec §6 "Egress", §4.7, §4.4).
package stream

import "context"

type (
	// Sink delivers events to one connected client. Implementations must be
	// safe for concurrent Send calls, since the queue's reconnection model
	// replaces callbacks without draining in-flight sends first.
	Sink interface {
		Send(ctx context.Context, event Event) error
		Close(ctx context.Context) error
	}

	// Event is one SSE-serializable item. Concrete events embed Base.
	Event interface {
		Type() EventType
		JobID() string
		Payload() any
	}

	// Base carries the fields every event shares (spec §6 event envelope).
	Base struct {
		t EventType
		j string
		p any
	}
)

// NewBase constructs a Base event.
func NewBase(t EventType, jobID string, payload any) Base {
	return Base{t: t, j: jobID, p: payload}
}

func (e Base) Type() EventType { return e.t }
func (e Base) JobID() string   { return e.j }
func (e Base) Payload() any    { return e.p }

// EventType enumerates the SSE event names in spec §6.
type EventType string

const (
	EventQueued           EventType = "queued"
	EventStarted          EventType = "started"
	EventProgress         EventType = "progress"
	EventToolSelected     EventType = "tool_selected"
	EventToolExecuted     EventType = "tool_executed"
	EventSessionFileCreated EventType = "session_file_created"
	EventQueryProgress    EventType = "query_progress"
	EventQueryWarning     EventType = "query_warning"
	EventQueryError       EventType = "query_error"
	EventDuplicateDetected EventType = "duplicate_detected"
	EventForcedFinalize   EventType = "forced_finalize"
	EventImageContext     EventType = "image_context"
	EventFinalResponse    EventType = "final_response"
	EventCancelRequested  EventType = "cancel_requested"
	EventCancelled        EventType = "cancelled"
	EventDone             EventType = "done"
	EventError            EventType = "error"
)

// QueryProgressPayload is the payload for EventQueryProgress (spec §4.4
// "{current, total, percentage, batchNumber}").
type QueryProgressPayload struct {
	Current      int `json:"current"`
	Total        int `json:"total"`
	Percentage   int `json:"percentage"`
	BatchNumber  int `json:"batchNumber"`
}

// QueryWarningPayload fires when the pagination safety cap is hit while a
// cursor still remains (spec §4.4 "Hard safety cap: 200 batches").
type QueryWarningPayload struct {
	Message        string `json:"message"`
	BatchesFetched int    `json:"batches_fetched"`
}

// ToolExecutedPayload accompanies EventToolExecuted (spec §4.6 step 3/5).
type ToolExecutedPayload struct {
	ToolID string `json:"tool_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SessionFileCreatedPayload accompanies EventSessionFileCreated
// (spec §4.6 step 3 "minimal metadata").
type SessionFileCreatedPayload struct {
	FileID        string `json:"file_id"`
	ToolID        string `json:"tool_id"`
	DataType      string `json:"data_type"`
	Size          int64  `json:"size"`
	SizeFormatted string `json:"size_formatted"`
}

// Percentage computes floor(progress/total*100), guarding total==0
// (spec §4.4 "percentage = floor(progress/total*100)").
func Percentage(progress, total int) int {
	if total <= 0 {
		return 0
	}
	return (progress * 100) / total
}
