package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"session_id=abc123", "abc123"},
		{"/messages/?session_id=abc123&transport=sse", "abc123"},
		{"session_id=abc trailing", "abc"},
		{"  bare-token  ", "bare-token"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parseSessionID(c.in), "parseSessionID(%q)", c.in)
	}
}

// startFakeMCP runs an SSE-transport MCP server: the stream handshake
// announces a session id, POSTed requests are answered on the stream, and
// tools/call is delegated to onTool (text, isError).
func startFakeMCP(t *testing.T, onTool func(name string, args map[string]any) (string, bool)) *httptest.Server {
	t.Helper()
	frames := make(chan string, 16)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: endpoint\ndata: /messages/?session_id=sess-test\n\n")
		fl.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-frames:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
				fl.Flush()
			}
		}
	})

	mux.HandleFunc("POST /messages/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_id") != "sess-test" {
			http.Error(w, "unknown session", http.StatusBadRequest)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted) // notification
			return
		}
		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2024-11-05"}
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			args, _ := params["arguments"].(map[string]any)
			text, isErr := onTool(name, args)
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
				"isError": isErr,
			}
		default:
			result = map[string]any{}
		}
		frame, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
		require.NoError(t, err)
		frames <- string(frame)
		w.WriteHeader(http.StatusAccepted)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMCPClient_ConnectAndCallTool(t *testing.T) {
	srv := startFakeMCP(t, func(name string, args map[string]any) (string, bool) {
		if name == "boom" {
			return "tool exploded", true
		}
		topic, _ := args["topic"].(string)
		return fmt.Sprintf(`{"tool":%q,"topic":%q}`, name, topic), false
	})

	client := NewMCPClient(MCPGovernance, srv.URL)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.Connected())

	var out struct {
		Tool  string `json:"tool"`
		Topic string `json:"topic"`
	}
	require.NoError(t, client.CallToolJSON(ctx, "get_governance_status", map[string]any{"topic": "gates"}, &out))
	assert.Equal(t, "get_governance_status", out.Tool)
	assert.Equal(t, "gates", out.Topic)

	_, err := client.CallTool(ctx, "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool exploded")

	client.Close()
	assert.False(t, client.Connected())
}

func TestMCPClient_ConnectFailsWithoutServer(t *testing.T) {
	client := NewMCPClient(MCPQuality, "http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, client.Connect(ctx))
	assert.False(t, client.Connected())
}
