package toolregistry_test

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
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolregistry"
)

func newTestServer(t *testing.T, tools []string, disabled string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcpclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-1")
			_ = json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
		case "tools/list":
			type rt struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				InputSchema json.RawMessage `json:"inputSchema"`
			}
			var list []rt
			for _, name := range tools {
				list = append(list, rt{Name: name, Description: "does " + name, InputSchema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}}}`)})
			}
			body, _ := json.Marshal(map[string]any{"tools": list})
			_ = json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: req.ID, Result: body})
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
}

func TestReloadDiscoversAndFiltersDisabledTools(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, []string{"search_data", "dangerous_tool"}, "")
	defer srv.Close()

	sessions := mcpsession.New([]mcpsession.ServerConfig{{Key: "bvbrc-mcp-data", Endpoint: srv.URL}}, srv.Client(), nil)
	reg := toolregistry.New(toolregistry.Options{
		Sessions:      sessions,
		Servers:       []toolregistry.ServerDef{{Key: "bvbrc-mcp-data"}},
		DisabledTools: []string{"dangerous_tool"},
	})

	require.NoError(t, reg.Reload(context.Background()))
	all := reg.All()
	require.Len(t, all, 1)
	assert.Equal(t, "search_data", all[0].Name)
	assert.Equal(t, toolregistry.StatusOK, reg.ServerStatuses()["bvbrc-mcp-data"])
}

func TestGetCanonicalizesBareName(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, []string{"search_data"}, "")
	defer srv.Close()

	sessions := mcpsession.New([]mcpsession.ServerConfig{{Key: "bvbrc-mcp-data", Endpoint: srv.URL}}, srv.Client(), nil)
	reg := toolregistry.New(toolregistry.Options{
		Sessions: sessions,
		Servers:  []toolregistry.ServerDef{{Key: "bvbrc-mcp-data"}},
	})
	require.NoError(t, reg.Reload(context.Background()))

	d, err := reg.Get(context.Background(), "search_data")
	require.NoError(t, err)
	assert.Equal(t, "bvbrc-mcp-data.search_data", d.ID.String())
}

func TestReloadMarksUnreachableServerFailedWithoutAbortingOthers(t *testing.T) {
	t.Parallel()
	good := newTestServer(t, []string{"search_data"}, "")
	defer good.Close()

	sessions := mcpsession.New([]mcpsession.ServerConfig{
		{Key: "good", Endpoint: good.URL},
		{Key: "bad", Endpoint: "http://127.0.0.1:1"},
	}, good.Client(), nil)
	reg := toolregistry.New(toolregistry.Options{
		Sessions: sessions,
		Servers:  []toolregistry.ServerDef{{Key: "good"}, {Key: "bad"}},
		Backoff:  toolregistry.BackoffConfig{MaxAttempts: 1, InitialBackoff: 0, MaxBackoff: 0, BackoffMultiplier: 1},
	})
	require.NoError(t, reg.Reload(context.Background()))

	statuses := reg.ServerStatuses()
	assert.Equal(t, toolregistry.StatusOK, statuses["good"])
	assert.Equal(t, toolregistry.StatusFailed, statuses["bad"])
	assert.Len(t, reg.All(), 1)
}

func TestValidateParamsAcceptsConformingParams(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, []string{"search_data"}, "")
	defer srv.Close()
	sessions := mcpsession.New([]mcpsession.ServerConfig{{Key: "s", Endpoint: srv.URL}}, srv.Client(), nil)
	reg := toolregistry.New(toolregistry.Options{Sessions: sessions, Servers: []toolregistry.ServerDef{{Key: "s"}}})
	require.NoError(t, reg.Reload(context.Background()))
	d, err := reg.Get(context.Background(), "search_data")
	require.NoError(t, err)
	assert.NoError(t, toolregistry.ValidateParams(d, map[string]any{"session_id": "abc"}))
}
