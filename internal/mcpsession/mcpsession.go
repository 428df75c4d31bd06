// Package mcpsession caches one JSON-RPC session id per MCP server and
// performs the initialize handshake that establishes it (spec §4.2).
package mcpsession

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpclient"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
)

// ServerConfig is the static, per-server configuration needed to talk to an
// MCP server (endpoint, and whether/how to attach auth).
type ServerConfig struct {
	Key          string
	Endpoint     string
	AuthAllowed  bool
	StaticAuth   string
	ClientName   string
	ClientVer    string
}

// Manager holds at most one session id per server key, re-establishing it
// lazily via the "initialize" handshake (spec §4.2).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]string
	servers  map[string]ServerConfig
	clients  map[string]*mcpclient.Client
	httpc    *http.Client
	log      telemetry.Logger
}

// New constructs a Manager for the given server configurations.
func New(servers []ServerConfig, httpc *http.Client, log telemetry.Logger) *Manager {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	m := &Manager{
		sessions: make(map[string]string, len(servers)),
		servers:  make(map[string]ServerConfig, len(servers)),
		clients:  make(map[string]*mcpclient.Client, len(servers)),
		httpc:    httpc,
		log:      log,
	}
	for _, s := range servers {
		m.servers[s.Key] = s
		m.clients[s.Key] = mcpclient.New(s.Endpoint, httpc)
	}
	return m
}

// Client returns the wire client for serverKey, or nil if unknown.
func (m *Manager) Client(serverKey string) *mcpclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[serverKey]
}

// AuthHeaders builds the headers an MCP call should carry for serverKey,
// attaching bearer auth only when the server is on the allowlist or carries
// a static auth string (spec §4.2).
func (m *Manager) AuthHeaders(serverKey, bearerToken string) http.Header {
	m.mu.Lock()
	cfg, ok := m.servers[serverKey]
	m.mu.Unlock()
	h := http.Header{}
	if !ok {
		return h
	}
	switch {
	case cfg.StaticAuth != "":
		h.Set("Authorization", "Bearer "+cfg.StaticAuth)
	case cfg.AuthAllowed && bearerToken != "":
		h.Set("Authorization", "Bearer "+bearerToken)
	}
	return h
}

// GetOrCreate returns the cached session id for serverKey, performing the
// initialize handshake if none is cached yet.
func (m *Manager) GetOrCreate(ctx context.Context, serverKey string) (string, error) {
	m.mu.Lock()
	if id, ok := m.sessions[serverKey]; ok {
		m.mu.Unlock()
		return id, nil
	}
	cfg, ok := m.servers[serverKey]
	client := m.clients[serverKey]
	m.mu.Unlock()
	if !ok || client == nil {
		return "", fmt.Errorf("mcpsession: unknown server %q", serverKey)
	}

	headers := m.AuthHeaders(serverKey, cfg.StaticAuth)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json, text/event-stream")
	mcpclient.InjectTraceHeaders(ctx, headers)

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "bvbrc-agent-core"
	}
	clientVer := cfg.ClientVer
	if clientVer == "" {
		clientVer = "0.1.0"
	}
	params := map[string]any{
		"protocolVersion": mcpclient.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVer},
	}
	_, respHeaders, err := client.CallWithHeader(ctx, "initialize", params, headers)
	if err != nil {
		return "", fmt.Errorf("mcpsession: initialize %q: %w", serverKey, err)
	}
	sessionID := respHeaders.Get("mcp-session-id")
	if sessionID == "" {
		sessionID = respHeaders.Get("Mcp-Session-Id")
	}
	if sessionID == "" {
		return "", fmt.Errorf("mcpsession: server %q did not return a session id", serverKey)
	}

	m.mu.Lock()
	m.sessions[serverKey] = sessionID
	m.mu.Unlock()
	m.log.Info(ctx, "mcp session established", "server", serverKey)
	return sessionID, nil
}

// Clear drops the cached session id for serverKey, forcing the next
// GetOrCreate to re-handshake. Called by the executor whenever an error
// message mentions "session" (spec §4.2).
func (m *Manager) Clear(serverKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, serverKey)
}
