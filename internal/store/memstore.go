package store

import (
	"context"
	"sync"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/workers"
)

// MemStore is an in-process Store, used in tests and local development.
// Grounded on the examples pack's inmem session.Store idiom
// (goadesign-goa-ai/runtime/agent/session/inmem), extended with a
// transcript and summary record alongside the session lifecycle map.
type MemStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	messages  map[string][]Message
	summaries map[string]Summary
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  map[string]Session{},
		messages:  map[string][]Message{},
		summaries: map[string]Summary{},
	}
}

func (s *MemStore) CreateSession(_ context.Context, sessionID, userID string, createdAt time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		if existing.Status == StatusEnded {
			return Session{}, ErrSessionEnded
		}
		return existing, nil
	}
	out := Session{ID: sessionID, UserID: userID, Status: StatusActive, CreatedAt: createdAt}
	s.sessions[sessionID] = out
	return out, nil
}

func (s *MemStore) LoadSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.Status == StatusEnded {
		return sess, nil
	}
	at := endedAt
	sess.Status = StatusEnded
	sess.EndedAt = &at
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *MemStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *MemStore) Messages(_ context.Context, sessionID string) ([]workers.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := s.messages[sessionID]
	out := make([]workers.Message, 0, len(in))
	for _, m := range in {
		out = append(out, workers.Message{Role: m.Role, Text: m.Text})
	}
	return out, nil
}

func (s *MemStore) MessageCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID]), nil
}

func (s *MemStore) SaveSummary(_ context.Context, sessionID, summary string, coveredMessages int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sessionID] = Summary{SessionID: sessionID, Text: summary, CoveredMessages: coveredMessages, UpdatedAt: now}
	return nil
}

func (s *MemStore) LoadSummary(_ context.Context, sessionID string) (Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[sessionID]
	return sum, ok, nil
}
