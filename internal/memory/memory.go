// Package memory maintains per-session structured facts extracted from
// tool results (spec §3 SessionMemory, §4.5).
package memory

import (
	"context"
	"sync"
	"time"
)

const (
	maxFactKeys        = 200
	maxExtractedPerCall = 25
	maxStringLen       = 200
	maxObjectDepth     = 2
)

// LastTool records the most recently invoked tool for a session
// (spec §3 SessionMemory.last_tool).
type LastTool struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Focus names one promoted identifier fact (spec §3 SessionMemory.focus).
type Focus struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// FactsMeta tracks provenance so LLM-authoritative facts are never
// overwritten by heuristic extraction (spec §4.5 "facts_meta.source='llm'
// is never overwritten by heuristic extraction").
type FactsMeta struct {
	Source string `json:"source"` // "heuristic" | "llm"
}

// SessionMemory is the per-session structured-fact record (spec §3).
type SessionMemory struct {
	SessionID string                    `json:"session_id"`
	UserID    string                    `json:"user_id"`
	Focus     *Focus                    `json:"focus,omitempty"`
	Facts     map[string]any            `json:"facts"`
	FactsMeta map[string]FactsMeta      `json:"facts_meta"`
	ToolFacts map[string]map[string]any `json:"tool_facts"`
	Entities  map[string]map[string]any `json:"entities"`
	LastTool  *LastTool                 `json:"last_tool,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

func newSessionMemory(sessionID, userID string) *SessionMemory {
	return &SessionMemory{
		SessionID: sessionID,
		UserID:    userID,
		Facts:     map[string]any{},
		FactsMeta: map[string]FactsMeta{},
		ToolFacts: map[string]map[string]any{},
		Entities:  map[string]map[string]any{},
	}
}

// focusPriority lists identifier fact keys in the order they are promoted
// into focus (spec §4.5 "genome_id, workflow_id, etc., prioritized in that
// order").
var focusPriority = []string{"genome_id", "workflow_id", "job_id", "taxon_id", "feature_id", "sequence_id"}

// Store persists SessionMemory, grounded on the teacher's session.Store
// idiom (durable, context-scoped) applied to a smaller per-session fact
// record rather than lifecycle metadata. MemStore.Load returns an empty
// record, not an error, for a session it has not seen.
type Store interface {
	Load(ctx context.Context, sessionID string) (*SessionMemory, error)
	Save(ctx context.Context, mem *SessionMemory) error
}

// MemStore is an in-process Store, used in tests and as the default when no
// durable backing store is configured.
type MemStore struct {
	mu   sync.Mutex
	byID map[string]*SessionMemory
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{byID: map[string]*SessionMemory{}}
}

func (s *MemStore) Load(ctx context.Context, sessionID string) (*SessionMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mem, ok := s.byID[sessionID]; ok {
		return mem, nil
	}
	return newSessionMemory(sessionID, ""), nil
}

func (s *MemStore) Save(ctx context.Context, mem *SessionMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[mem.SessionID] = mem
	return nil
}

// Service applies heuristic fact extraction and focus promotion on top of a
// Store (spec §4.5).
type Service struct {
	store Store
}

// New constructs a Service backed by store.
func New(store Store) *Service {
	if store == nil {
		store = NewMemStore()
	}
	return &Service{store: store}
}

// Get returns the current SessionMemory for sessionID without recording a
// tool result, for callers (the orchestrator's prompt builder) that only
// need to read the snapshot.
func (s *Service) Get(ctx context.Context, sessionID string) (*SessionMemory, error) {
	return s.store.Load(ctx, sessionID)
}

// RecordToolResult extracts primitive facts from sampleRecord (preferred)
// or raw, sets last_tool, and promotes identifier facts into focus
// (spec §4.5 "After every successful tool invocation").
func (s *Service) RecordToolResult(ctx context.Context, sessionID, toolID string, params map[string]any, sampleRecord map[string]any, raw any, now time.Time) (*SessionMemory, error) {
	mem, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	source := sampleRecord
	if source == nil {
		if m, ok := raw.(map[string]any); ok {
			source = m
		}
	}

	extracted := extractPrimitiveFacts(source, maxExtractedPerCall)
	for k, v := range extracted {
		if meta, ok := mem.FactsMeta[k]; ok && meta.Source == "llm" {
			continue
		}
		if len(mem.Facts) >= maxFactKeys {
			break
		}
		mem.Facts[k] = v
		mem.FactsMeta[k] = FactsMeta{Source: "heuristic"}
	}

	mem.ToolFacts[toolID] = extracted
	mem.LastTool = &LastTool{Tool: toolID, Parameters: params, Timestamp: now}

	for _, key := range focusPriority {
		if v, ok := mem.Facts[key]; ok {
			mem.Focus = &Focus{Type: key, Key: key, Value: v}
			break
		}
	}

	mem.UpdatedAt = now
	if err := s.store.Save(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// ApplyLLMFacts overwrites facts with an LLM-authoritative rewrite, marking
// every key facts_meta.source='llm' so future heuristic extraction never
// touches it again (spec §4.5 "A separate queued LLM pass may rewrite
// facts authoritatively").
func (s *Service) ApplyLLMFacts(ctx context.Context, sessionID string, facts map[string]any, now time.Time) (*SessionMemory, error) {
	mem, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for k, v := range facts {
		if len(mem.Facts) >= maxFactKeys {
			if _, exists := mem.Facts[k]; !exists {
				continue
			}
		}
		mem.Facts[k] = clampValue(v, 0)
		mem.FactsMeta[k] = FactsMeta{Source: "llm"}
	}
	mem.UpdatedAt = now
	if err := s.store.Save(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// extractPrimitiveFacts flattens source into primitive key/value pairs up
// to maxKeys, respecting the 200-char string cap and depth-2 object cap
// (spec §3 "primitives only; strings <=200 chars; object depth <=2").
func extractPrimitiveFacts(source map[string]any, maxKeys int) map[string]any {
	out := map[string]any{}
	if source == nil {
		return out
	}
	flattenInto(out, "", source, 0, maxKeys)
	return out
}

func flattenInto(out map[string]any, prefix string, obj map[string]any, depth int, maxKeys int) {
	for k, v := range obj {
		if len(out) >= maxKeys {
			return
		}
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			if depth+1 < maxObjectDepth {
				flattenInto(out, key, val, depth+1, maxKeys)
			}
		case []any, nil:
			// arrays and nulls are not primitives; skip
		default:
			out[key] = clampValue(val, depth)
		}
	}
}

func clampValue(v any, depth int) any {
	if s, ok := v.(string); ok && len(s) > maxStringLen {
		return s[:maxStringLen]
	}
	return v
}
