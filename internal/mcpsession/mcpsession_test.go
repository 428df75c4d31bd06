package mcpsession_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpclient"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpsession"
)

func TestGetOrCreateCachesSessionID(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req mcpclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "initialize", req.Method)
		w.Header().Set("mcp-session-id", "abc-123")
		resp := mcpclient.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := mcpsession.New([]mcpsession.ServerConfig{{Key: "bvbrc-mcp-data", Endpoint: srv.URL}}, srv.Client(), nil)
	id1, err := m.GetOrCreate(context.Background(), "bvbrc-mcp-data")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id1)

	id2, err := m.GetOrCreate(context.Background(), "bvbrc-mcp-data")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id2)
	assert.Equal(t, 1, calls, "second call must hit the cache, not the network")
}

func TestClearForcesReinitialize(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req mcpclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("mcp-session-id", "sess-n")
		resp := mcpclient.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := mcpsession.New([]mcpsession.ServerConfig{{Key: "s1", Endpoint: srv.URL}}, srv.Client(), nil)
	_, err := m.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	m.Clear("s1")
	_, err = m.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAuthHeadersAllowlist(t *testing.T) {
	t.Parallel()
	m := mcpsession.New([]mcpsession.ServerConfig{
		{Key: "allowed", AuthAllowed: true},
		{Key: "blocked", AuthAllowed: false},
		{Key: "static", StaticAuth: "fixed-token"},
	}, nil, nil)

	assert.Equal(t, "Bearer user-token", m.AuthHeaders("allowed", "user-token").Get("Authorization"))
	assert.Empty(t, m.AuthHeaders("blocked", "user-token").Get("Authorization"))
	assert.Equal(t, "Bearer fixed-token", m.AuthHeaders("static", "user-token").Get("Authorization"))
}
