// Package toolregistry discovers tools from configured MCP servers and
// serves them to the orchestrator and executor (spec §4.1).
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpclient"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpsession"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

// BackoffConfig controls the exponential backoff applied to a server's
// discovery retries (spec §4.1 "exponential backoff").
type BackoffConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultBackoffConfig mirrors the teacher's A2A retry defaults, scaled up
// for a slower, less latency-sensitive discovery pass.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

func calculateBackoff(cfg BackoffConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (2*rand.Float64() - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// ServerStatus records whether discovery against a server is healthy.
type ServerStatus string

const (
	StatusOK     ServerStatus = "ok"
	StatusFailed ServerStatus = "failed"
)

// Registry holds the in-memory tool map assembled from discovery
// (spec §4.1).
type Registry struct {
	mu   sync.RWMutex
	byID map[tools.Ident]*tools.Descriptor

	sessions      *mcpsession.Manager
	servers       []ServerDef
	disabledTools tools.PredicateSet
	autoProvided  map[string][]string
	backoff       BackoffConfig
	log           telemetry.Logger

	serverStatus map[string]ServerStatus
}

// ServerDef names one MCP server to discover tools from.
type ServerDef struct {
	Key string
}

// Options configures a new Registry.
type Options struct {
	Sessions      *mcpsession.Manager
	Servers       []ServerDef
	DisabledTools []string
	// AutoProvided maps a parameter name (e.g. "session_id") to the list of
	// tool names it is injected for, used to annotate prompt text
	// ("auto-provided; do not set") rather than expose it to the planner.
	AutoProvided map[string][]string
	Backoff      BackoffConfig
	Log          telemetry.Logger
}

// New constructs a Registry. Call Reload to run discovery.
func New(opts Options) *Registry {
	if opts.Log == nil {
		opts.Log = telemetry.NewNoopLogger()
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoffConfig()
	}
	return &Registry{
		byID:          make(map[tools.Ident]*tools.Descriptor),
		sessions:      opts.Sessions,
		servers:       opts.Servers,
		disabledTools: tools.NewPredicateSet(opts.DisabledTools...),
		autoProvided:  opts.AutoProvided,
		backoff:       opts.Backoff,
		log:           opts.Log,
		serverStatus:  make(map[string]ServerStatus),
	}
}

// rpcTool mirrors the MCP tools/list entry shape.
type rpcTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations struct {
		StreamingHint bool `json:"streamingHint"`
		ReadOnlyHint  bool `json:"readOnlyHint"`
		Replayable    bool `json:"replayable"`
	} `json:"annotations"`
}

type toolsListResult struct {
	Tools []rpcTool `json:"tools"`
}

// Reload re-runs discovery against every configured server. A server that
// cannot be reached after backoff.MaxAttempts retries is marked failed;
// discovery continues for the others and Reload never returns an error on
// their account (spec §4.1 "never aborts startup").
func (r *Registry) Reload(ctx context.Context) error {
	newByID := make(map[tools.Ident]*tools.Descriptor)
	newStatus := make(map[string]ServerStatus, len(r.servers))

	for _, srv := range r.servers {
		descriptors, err := r.discoverServer(ctx, srv.Key)
		if err != nil {
			r.log.Warn(ctx, "tool discovery failed, marking server failed", "server", srv.Key, "error", err.Error())
			newStatus[srv.Key] = StatusFailed
			continue
		}
		newStatus[srv.Key] = StatusOK
		for _, d := range descriptors {
			newByID[d.ID] = d
		}
	}

	r.mu.Lock()
	r.byID = newByID
	r.serverStatus = newStatus
	r.mu.Unlock()
	return nil
}

func (r *Registry) discoverServer(ctx context.Context, serverKey string) ([]*tools.Descriptor, error) {
	if _, err := r.sessions.GetOrCreate(ctx, serverKey); err != nil {
		if e := r.retryDiscovery(ctx, serverKey); e != nil {
			return nil, e
		}
	}

	client := r.sessions.Client(serverKey)
	if client == nil {
		return nil, fmt.Errorf("toolregistry: no client configured for server %q", serverKey)
	}

	var result toolsListResult
	err := withBackoff(ctx, r.backoff, func(ctx context.Context) error {
		sessionID, sErr := r.sessions.GetOrCreate(ctx, serverKey)
		if sErr != nil {
			return sErr
		}
		headers := r.sessions.AuthHeaders(serverKey, "")
		headers.Set("mcp-session-id", sessionID)
		raw, cErr := client.Call(ctx, "tools/list", map[string]any{}, headers)
		if cErr != nil {
			return cErr
		}
		return json.Unmarshal(raw, &result)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*tools.Descriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		if r.disabledTools.Has(tools.Ident(t.Name)) {
			continue
		}
		id := tools.New(serverKey, t.Name)
		out = append(out, &tools.Descriptor{
			ID:          id,
			ServerKey:   serverKey,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: tools.Annotations{
				StreamingHint: t.Annotations.StreamingHint,
				ReadOnlyHint:  t.Annotations.ReadOnlyHint,
				Replayable:    t.Annotations.Replayable,
			},
			AutoProvidedParams: r.autoProvided[t.Name],
		})
	}
	return out, nil
}

// retryDiscovery retries the initialize handshake only, used when the very
// first GetOrCreate fails so transient startup races don't immediately mark
// a server failed.
func (r *Registry) retryDiscovery(ctx context.Context, serverKey string) error {
	return withBackoff(ctx, r.backoff, func(ctx context.Context) error {
		_, err := r.sessions.GetOrCreate(ctx, serverKey)
		return err
	})
}

func withBackoff(ctx context.Context, cfg BackoffConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(cfg, attempt)):
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Get resolves a tool_id, which may be fully qualified ("server.tool") or a
// bare tool name. For a bare name, it scans all servers; if exactly one
// match exists it is returned and the canonicalization is logged
// (spec §4.1 "get(tool_id)").
func (r *Registry) Get(ctx context.Context, toolID string) (*tools.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byID[tools.Ident(toolID)]; ok {
		return d, nil
	}
	if strings.Contains(toolID, ".") {
		return nil, fmt.Errorf("toolregistry: unknown tool %q", toolID)
	}

	var matches []*tools.Descriptor
	for _, d := range r.byID {
		if d.Name == toolID {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("toolregistry: unknown tool %q", toolID)
	case 1:
		r.log.Info(ctx, "canonicalized bare tool name", "requested", toolID, "resolved", matches[0].ID.String())
		return matches[0], nil
	default:
		return nil, fmt.Errorf("toolregistry: ambiguous bare tool name %q matches %d servers", toolID, len(matches))
	}
}

// ValidateParams validates params against the descriptor's JSON schema
// using the santhosh-tekuri/jsonschema compiler, mirroring the teacher's
// own payload validation helper.
func ValidateParams(d *tools.Descriptor, params map[string]any) error {
	if d == nil || len(d.InputSchema) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(d.InputSchema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(string(d.ID)+".json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(string(d.ID) + ".json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(params)
}

// All returns every currently known descriptor sorted by ID, for manifest
// generation.
func (r *Registry) All() []*tools.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tools.Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerStatuses returns a snapshot of each configured server's discovery
// health.
func (r *Registry) ServerStatuses() map[string]ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerStatus, len(r.serverStatus))
	for k, v := range r.serverStatus {
		out[k] = v
	}
	return out
}

// Manifest is the machine-readable discovery output persisted alongside the
// prompt-friendly rendering (spec §4.1 "two artifacts").
type Manifest struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Servers     map[string]ServerStatus `json:"servers"`
	Tools       []*tools.Descriptor `json:"tools"`
}

// BuildManifest snapshots the registry into a Manifest. now is injected by
// the caller (this package performs no wall-clock reads itself).
func (r *Registry) BuildManifest(now time.Time) Manifest {
	return Manifest{
		GeneratedAt: now,
		Servers:     r.ServerStatuses(),
		Tools:       r.All(),
	}
}

// RenderPrompt builds the prompt-friendly tool manifest text injected into
// planner prompts, annotating auto-provided parameters as
// "auto-provided; do not set" rather than exposing them to the planner
// (spec §4.1).
func (r *Registry) RenderPrompt() string {
	all := r.All()
	var b strings.Builder
	for _, d := range all {
		fmt.Fprintf(&b, "- %s: %s\n", d.ID, d.Description)
		for _, p := range d.AutoProvidedParams {
			fmt.Fprintf(&b, "    %s: auto-provided; do not set\n", p)
		}
	}
	return b.String()
}
