// Package mcpexec executes resolved MCP tool calls: parameter overrides,
// session/header assembly, non-streaming/streaming/paginated invocation,
// and post-execution classification into RAG, bypass, or file-materialized
// results (spec §4.4).
package mcpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cucinellclark/bvbrc-agent-core/internal/config"
	"github.com/cucinellclark/bvbrc-agent-core/internal/filestore"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpclient"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpsession"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolregistry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

// ExecContext carries the per-call, trusted inputs the executor injects
// into tool parameters and uses to build headers (spec §4.4 steps 2-3).
type ExecContext struct {
	SessionID           string
	JobID               string
	AuthToken           string
	HomePath            string
	ConversationContext string
	WorkspaceItems      []any
	Sink                stream.Sink
	// Cancelled is polled at every labeled checkpoint (spec §4.4 "checked
	// at every labeled checkpoint").
	Cancelled func() bool
}

func (e ExecContext) checkCancelled() error {
	if e.Cancelled != nil && e.Cancelled() {
		return toolerrors.NewJobCancelled(e.JobID)
	}
	return nil
}

// ResultKind classifies the shape of an Execute result (spec §4.4
// "Post-execution").
type ResultKind string

const (
	ResultFile  ResultKind = "file"
	ResultRAG   ResultKind = "rag"
	ResultBypass ResultKind = "bypass"
)

// RAGResult is the normalized shape for RAG-classified tools (spec §4.4
// "{type: 'rag_result', query, count, summary, documents[<=max]}").
type RAGResult struct {
	Type      string           `json:"type"`
	Query     string           `json:"query"`
	Count     int              `json:"count"`
	Summary   string           `json:"summary"`
	Documents []map[string]any `json:"documents"`
}

// Result is the union returned by Execute.
type Result struct {
	Kind     ResultKind
	File     *filestore.FileReference
	RAG      *RAGResult
	Raw      map[string]any
	Partial  bool
	BatchMeta *BatchMeta
	// Overridden holds the exact parameters sent to the MCP server after
	// session_id/cancel_token injection, workspace-path rewriting, and the
	// other step-2 overrides (spec §3 "parameters stored in the trace are
	// the exact parameters passed to the MCP server after overrides").
	Overridden map[string]any
}

// BatchMeta records pagination/streaming bookkeeping attached to results
// assembled from multiple batches (spec §4.4 "{results, count, numFound,
// source, _batchCount}" and "{partial, batchesReceived, paginationErrors[]}").
type BatchMeta struct {
	BatchCount       int      `json:"_batchCount,omitempty"`
	BatchesReceived  int      `json:"batchesReceived,omitempty"`
	PaginationErrors []string `json:"paginationErrors,omitempty"`
}

// Classification groups the configured tool-id predicate sets the
// executor and orchestrator consult (spec §9 predicate-set capability
// checks).
type Classification struct {
	RAG          tools.PredicateSet
	Bypass       tools.PredicateSet
	ContextAware tools.PredicateSet
	Finalize     tools.PredicateSet
	Replayable   tools.PredicateSet
	// RawReadTools are raw file-byte/file-line readers skipped when the
	// orchestrator scans the trace for a replayable ui_source_tool
	// (spec §4.6 "skipping the raw file-byte and file-line read tools").
	RawReadTools tools.PredicateSet
}

// NewClassification builds a Classification from configured tool lists.
func NewClassification(cfg config.GlobalSettings) Classification {
	return Classification{
		RAG:          tools.NewPredicateSet(cfg.RAGTools...),
		Bypass:       tools.NewPredicateSet(cfg.BypassFileHandlingTools...),
		ContextAware: tools.NewPredicateSet(cfg.ContextAwareTools...),
		RawReadTools: tools.NewPredicateSet(cfg.RawReadTools...),
		Finalize:     tools.NewPredicateSet(cfg.FinalizeTools...),
		Replayable:   tools.NewPredicateSet(cfg.ReplayableTools...),
	}
}

// Options configures a new Executor.
type Options struct {
	Registry *toolregistry.Registry
	Sessions *mcpsession.Manager
	Files    *filestore.Store
	Config   config.GlobalSettings
	Log      telemetry.Logger
	// Limiter throttles outgoing MCP RPCs (spec "Adaptive/backoff rate
	// limiting around MCP RPC retries"). A nil Limiter means unthrottled.
	Limiter *RateLimiter
}

// Executor resolves and executes one tool call end to end.
type Executor struct {
	registry     *toolregistry.Registry
	sessions     *mcpsession.Manager
	files        *filestore.Store
	cfg          config.GlobalSettings
	classify     Classification
	contextAware tools.PredicateSet
	log          telemetry.Logger
	limiter      *RateLimiter
}

// New constructs an Executor.
func New(opts Options) *Executor {
	if opts.Log == nil {
		opts.Log = telemetry.NewNoopLogger()
	}
	cls := NewClassification(opts.Config)
	return &Executor{
		registry:     opts.Registry,
		sessions:     opts.Sessions,
		files:        opts.Files,
		cfg:          opts.Config,
		classify:     cls,
		contextAware: cls.ContextAware,
		log:          opts.Log,
		limiter:      opts.Limiter,
	}
}

// Execute runs tool_id with params under ectx (spec §4.4 "execute").
func (e *Executor) Execute(ctx context.Context, toolID string, params map[string]any, ectx ExecContext) (*Result, error) {
	if err := ectx.checkCancelled(); err != nil {
		return nil, err
	}

	d, err := e.registry.Get(ctx, toolID)
	if err != nil {
		return nil, toolerrors.NewKindWithCause(toolerrors.KindNotFound, fmt.Sprintf("resolve tool %q", toolID), err)
	}

	overridden, err := e.overrideParams(d, params, ectx)
	if err != nil {
		return nil, err
	}

	sessionID, err := e.sessions.GetOrCreate(ctx, d.ServerKey)
	if err != nil {
		return nil, toolerrors.NewKindWithCause(toolerrors.KindSession, "acquire mcp session", err)
	}
	headers := e.sessions.AuthHeaders(d.ServerKey, ectx.AuthToken)
	headers.Set("mcp-session-id", sessionID)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json, text/event-stream")
	mcpclient.InjectTraceHeaders(ctx, headers)

	client := e.sessions.Client(d.ServerKey)
	if client == nil {
		return nil, toolerrors.NewKind(toolerrors.KindNotFound, fmt.Sprintf("no client for server %q", d.ServerKey))
	}

	streaming, _ := overridden["stream"].(bool)

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, toolerrors.NewKindWithCause(toolerrors.KindUpstreamMCP, "rate limiter wait", err)
	}

	var rawResult any
	var meta *BatchMeta

	switch {
	case streaming:
		rawResult, meta, err = e.executeStreaming(ctx, client, d, overridden, headers, ectx)
	case d.Name == e.cfg.DataQueryTool:
		rawResult, meta, err = e.executePaginated(ctx, client, d, overridden, headers, ectx)
	default:
		rawResult, err = e.executeOnce(ctx, client, d.ID.String(), overridden, headers)
	}
	e.limiter.Observe(err)
	if err != nil {
		if toolerrors.IsSession(err) {
			e.sessions.Clear(d.ServerKey)
		}
		return nil, err
	}

	if err := ectx.checkCancelled(); err != nil {
		return nil, err
	}

	res, err := e.postProcess(d, toolID, rawResult, meta, ectx)
	if err != nil {
		return nil, err
	}
	res.Overridden = overridden
	return res, nil
}

// executeOnce performs a single non-streaming JSON-RPC tools/call and
// returns the unwrapped result value (spec §4.4 "Non-streaming").
func (e *Executor) executeOnce(ctx context.Context, client *mcpclient.Client, toolName string, params map[string]any, headers http.Header) (any, error) {
	raw, err := client.Call(ctx, "tools/call", map[string]any{"name": toolName, "arguments": params}, headers)
	if err != nil {
		if isSessionError(err) {
			return nil, toolerrors.NewKindWithCause(toolerrors.KindSession, "mcp session error", err)
		}
		return nil, toolerrors.NewKindWithCause(toolerrors.KindUpstreamMCP, "MCP tool error", err)
	}
	return filestore.Unwrap(raw)
}

func isSessionError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "session")
}

// postProcess classifies the result and returns the shaped Result
// (spec §4.4 "Post-execution").
func (e *Executor) postProcess(d *tools.Descriptor, toolID string, raw any, meta *BatchMeta, ectx ExecContext) (*Result, error) {
	switch {
	case e.classify.RAG.Has(d.ID):
		return &Result{Kind: ResultRAG, RAG: normalizeRAG(raw, e.cfg.RAGMaxDocs)}, nil
	case e.classify.Bypass.Has(d.ID):
		m := stripUIFields(raw)
		return &Result{Kind: ResultBypass, Raw: m}, nil
	default:
		payload := raw
		if m, ok := raw.(map[string]any); ok {
			if rows, ok := m["results"].([]any); ok {
				if _, partial := m["partial"]; !partial {
					payload = rows
				}
			}
		}
		ref, err := e.files.Materialize(ectx.SessionID, toolID, payload)
		if err != nil {
			return nil, toolerrors.NewKindWithCause(toolerrors.KindInternal, "materialize result", err)
		}
		return &Result{Kind: ResultFile, File: ref, BatchMeta: meta, Partial: meta != nil && len(meta.PaginationErrors) > 0}, nil
	}
}

// normalizeRAG builds the RAG-classified response shape (spec §4.4).
func normalizeRAG(raw any, maxDocs int) *RAGResult {
	m, _ := raw.(map[string]any)
	query, _ := m["query"].(string)
	summary, _ := m["summary"].(string)

	var docs []map[string]any
	if arr, ok := m["documents"].([]any); ok {
		for _, item := range arr {
			if obj, ok := item.(map[string]any); ok {
				docs = append(docs, obj)
			}
		}
	}
	if maxDocs > 0 && len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}
	return &RAGResult{Type: "rag_result", Query: query, Count: len(docs), Summary: summary, Documents: docs}
}

var uiFieldNames = []string{"chatSummary", "uiAction"}

// stripUIFields removes MCP UI fields from a bypass tool's raw payload
// (spec §4.4 "strip MCP UI fields").
func stripUIFields(raw any) map[string]any {
	m, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{"value": raw}
	}
	out := cloneParams(m)
	for _, f := range uiFieldNames {
		delete(out, f)
	}
	return out
}

// ToJSON is a small helper used by callers that need to log/serialize a
// Result's raw/file payload without re-deriving the marshal logic.
func ToJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
