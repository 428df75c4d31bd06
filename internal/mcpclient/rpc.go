// Package mcpclient provides the JSON-RPC 2.0 + SSE wire plumbing shared by
// the MCP session manager and executor (spec §4.2, §4.4, §6 "Egress").
// It knows nothing about tool semantics, pagination, or result
// normalization; callers build those on top of Call/OpenStream.
package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
)

// ProtocolVersion is the MCP protocol version used for the initialize
// handshake (spec §4.2).
const ProtocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC canonical error object (spec §4.1 canonical codes).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("MCP tool error %d: %s", e.Code, e.Message)
}

// JSON-RPC canonical error codes (spec §4.1).
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Client issues JSON-RPC calls against one MCP server endpoint over HTTP,
// tolerating both a plain JSON body and an SSE-wrapped `data: {...}` body
// (spec §4.2 "Responses may arrive as SSE-wrapped JSON; parse either form").
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	id         uint64
}

// New constructs a Client for endpoint. httpClient may be nil to use
// http.DefaultClient.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{Endpoint: endpoint, HTTPClient: httpClient}
}

func (c *Client) nextID() uint64 { return atomic.AddUint64(&c.id, 1) }

// Call issues a single JSON-RPC request and returns its decoded result.
// Headers are caller-supplied so session ids and bearer auth (spec §4.2,
// §4.4 step 3) can be attached per call.
func (c *Client) Call(ctx context.Context, method string, params any, headers http.Header) (json.RawMessage, error) {
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	rpcResp, err := decodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP tool error: %w", rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// CallWithHeader performs one JSON-RPC POST like Call and also returns the
// HTTP response headers (used by the session manager to read the
// mcp-session-id header set on "initialize").
func (c *Client) CallWithHeader(ctx context.Context, method string, params any, headers http.Header) (json.RawMessage, http.Header, error) {
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	rpcResp, err := decodeResponse(raw)
	if err != nil {
		return nil, resp.Header, err
	}
	if rpcResp.Error != nil {
		return nil, resp.Header, fmt.Errorf("MCP tool error: %w", rpcResp.Error)
	}
	return rpcResp.Result, resp.Header, nil
}

// decodeResponse parses either a plain JSON response body or a body made of
// SSE "data: {...}" lines, returning the first well-formed JSON-RPC
// response found.
func decodeResponse(raw []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty MCP response body")
	}
	if trimmed[0] == '{' {
		var resp Response
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(after, " "))
			continue
		}
		if line == "" && len(dataLines) > 0 {
			var resp Response
			if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &resp); err == nil {
				return &resp, nil
			}
			dataLines = nil
		}
	}
	if len(dataLines) > 0 {
		var resp Response
		if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("could not parse MCP response body")
}
