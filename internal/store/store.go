// Package store persists session lifecycle, conversation transcripts, and
// compact summaries (spec §3 Session, §4.8). It is the durable backing the
// orchestrator's session history and the summary/facts background workers
// (internal/workers) read from and write to.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/workers"
)

// Status is a session's lifecycle state, grounded on the explicit
// create/end lifecycle used throughout the examples pack's session
// stores.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is the durable session lifecycle record.
type Session struct {
	ID        string
	UserID    string
	Status    Status
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Message is one transcript turn, persisted in arrival order.
type Message struct {
	SessionID string
	Role      string
	Text      string
	CreatedAt time.Time
}

// Summary is the most recently rebuilt compact summary for a session
// (spec §4.8 "conversation_summary").
type Summary struct {
	SessionID       string
	Text            string
	CoveredMessages int
	UpdatedAt       time.Time
}

// Sentinel errors, mirroring the not-found/ended contract used by the
// teacher's session.Store.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
)

// Store persists sessions, their transcripts, and their rolling summaries.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession creates (or idempotently returns) an active session.
	// Returns ErrSessionEnded if the session exists but is terminal.
	CreateSession(ctx context.Context, sessionID, userID string, createdAt time.Time) (Session, error)
	// LoadSession returns ErrSessionNotFound when the session does not exist.
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	// EndSession ends a session; idempotent on an already-ended session.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

	// AppendMessage appends one transcript turn.
	AppendMessage(ctx context.Context, msg Message) error
	// Messages returns the full transcript for sessionID in arrival order.
	Messages(ctx context.Context, sessionID string) ([]workers.Message, error)
	// MessageCount returns the total number of messages recorded for
	// sessionID, used by workers.Thresholds.ShouldTrigger without loading
	// the full transcript.
	MessageCount(ctx context.Context, sessionID string) (int, error)

	// SaveSummary persists the rebuilt compact summary and how many
	// messages it covers (spec §4.8 "conversation_summary").
	SaveSummary(ctx context.Context, sessionID, summary string, coveredMessages int, now time.Time) error
	// LoadSummary returns the most recent Summary, or (Summary{}, false, nil)
	// if none has been saved yet.
	LoadSummary(ctx context.Context, sessionID string) (Summary, bool, error)
}
