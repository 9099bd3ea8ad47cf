package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MCP server names the gateway talks to.
const (
	MCPKnowledgeGraph = "knowledge-graph"
	MCPQuality        = "quality"
	MCPGovernance     = "governance"
)

// rpcRequest is a JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response frame.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// toolResult is the MCP tools/call result shape.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// MCPClient speaks JSON-RPC over SSE to one MCP server: a long-lived GET
// stream for responses, POSTs for requests. The first data frame of the
// stream carries the session id used by every subsequent POST.
type MCPClient struct {
	name    string
	baseURL string
	http    *http.Client

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
	pending   map[int64]chan *rpcResponse
	connected bool
	cancel    context.CancelFunc
}

// NewMCPClient creates a client for the server at baseURL (scheme://host:port).
func NewMCPClient(name, baseURL string) *MCPClient {
	return &MCPClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		pending: map[int64]chan *rpcResponse{},
	}
}

// Connected reports whether the stream is up and initialized.
func (c *MCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the SSE stream, waits for the session handshake, and runs
// the initialize exchange.
func (c *MCPClient) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp %s: build stream request: %w", c.name, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp %s: open stream: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp %s: stream status %d", c.name, resp.StatusCode)
	}

	sessionCh := make(chan string, 1)
	go c.readStream(resp.Body, sessionCh)

	select {
	case sessionID := <-sessionCh:
		c.mu.Lock()
		c.sessionID = sessionID
		c.cancel = cancel
		c.mu.Unlock()
	case <-time.After(10 * time.Second):
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp %s: no session handshake", c.name)
	case <-ctx.Done():
		resp.Body.Close()
		cancel()
		return ctx.Err()
	}

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Close tears the stream down and rejects all pending calls.
func (c *MCPClient) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	c.mu.Unlock()
}

// initialize runs the MCP handshake: initialize request, then the
// notifications/initialized notification.
func (c *MCPClient) initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "govfabric-gateway", "version": "1.0"},
	})
	if err != nil {
		return fmt.Errorf("mcp %s: initialize: %w", c.name, err)
	}
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("mcp %s: initialized notification: %w", c.name, err)
	}
	return nil
}

// CallTool invokes a named tool and returns the concatenated text content.
func (c *MCPClient) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	var tr toolResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return "", fmt.Errorf("mcp %s: parse tool result: %w", c.name, err)
	}
	var parts []string
	for _, content := range tr.Content {
		if content.Type == "text" {
			parts = append(parts, content.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if tr.IsError {
		return "", fmt.Errorf("mcp %s: tool %s failed: %s", c.name, tool, text)
	}
	return text, nil
}

// CallToolJSON invokes a tool and unmarshals its text content into v.
func (c *MCPClient) CallToolJSON(ctx context.Context, tool string, args map[string]any, v any) error {
	text, err := c.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("mcp %s: tool %s returned non-JSON payload: %w", c.name, tool, err)
	}
	return nil
}

// call sends one request and waits for its matching response frame.
func (c *MCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)

	c.mu.Lock()
	sessionID := c.sessionID
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.post(ctx, sessionID, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("mcp %s: connection closed", c.name)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a notification (no id, no response).
func (c *MCPClient) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.post(ctx, sessionID, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *MCPClient) post(ctx context.Context, sessionID string, frame rpcRequest) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("mcp %s: marshal frame: %w", c.name, err)
	}
	endpoint := fmt.Sprintf("%s/messages/?session_id=%s", c.baseURL, url.QueryEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp %s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mcp %s: post: %w", c.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcp %s: post status %d", c.name, resp.StatusCode)
	}
	return nil
}

// readStream consumes SSE frames until the stream closes, dispatching
// message events to pending calls. The first data line is the session
// handshake.
func (c *MCPClient) readStream(body io.ReadCloser, sessionCh chan<- string) {
	defer body.Close()
	defer c.rejectAll()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	handshakeDone := false
	var eventName, data string
	flush := func() {
		defer func() { eventName, data = "", "" }()
		if data == "" {
			return
		}
		if !handshakeDone {
			handshakeDone = true
			sessionCh <- parseSessionID(data)
			return
		}
		if eventName != "" && eventName != "message" {
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil || resp.ID == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if data != "" {
				data += "\n"
			}
			data += chunk
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("mcp stream closed", "server", c.name, "err", err)
	}
}

// parseSessionID extracts the session id from the handshake frame, which is
// either "session_id=<id>" or an endpoint path containing that query pair.
func parseSessionID(data string) string {
	if i := strings.Index(data, "session_id="); i >= 0 {
		id := data[i+len("session_id="):]
		if j := strings.IndexAny(id, "&\n "); j >= 0 {
			id = id[:j]
		}
		return id
	}
	return strings.TrimSpace(data)
}

// rejectAll completes every pending call with a closed-connection failure.
func (c *MCPClient) rejectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
