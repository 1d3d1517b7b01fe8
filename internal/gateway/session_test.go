package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentpass/agentpass/internal/client"
	"github.com/agentpass/agentpass/internal/domain/auth"
	"github.com/agentpass/agentpass/internal/domain/request"
	"github.com/agentpass/agentpass/internal/messenger"
)

// messengerDeny is a guardian denial for the given request.
func messengerDeny(requestID string) messenger.ApprovalResult {
	return messenger.ApprovalResult{RequestID: requestID, Approved: false, UserID: "777"}
}

const testAgentToken = "agent-secret"

// startAgentServer serves the agent channel over httptest and returns
// its ws:// URL.
func startAgentServer(t *testing.T, env *testEnv) string {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(env.cfg, env.engine, auth.NewTokenVerifier(testAgentToken),
		nil, prometheus.NewRegistry(), env.metrics, logger)
	srv.baseCtx = context.Background()

	hs := httptest.NewServer(http.HandlerFunc(srv.handleAgent))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dialAgent(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireFrame struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeFrame(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("malformed frame %s: %v", data, err)
	}
	return f
}

// authenticate performs the handshake on a raw connection.
func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":1,"method":"auth","params":{"token":%q}}`, testAgentToken))
	f := readFrame(t, conn)
	if f.Error != nil {
		t.Fatalf("handshake rejected: %+v", f.Error)
	}
}

func TestServerFullRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	url := startAgentServer(t, env)
	ctx := context.Background()

	// A result from an earlier life of the gateway waits in the queue.
	env.engine.QueueOffline(ctx, ToolOutcome{
		RequestID: "old-1",
		ToolName:  "ha_call_service",
		Payload:   json.RawMessage(`{"status":"executed","data":null}`),
	})

	c, err := client.Dial(ctx, url, testAgentToken)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer c.Close()

	data, err := c.ToolRequest(ctx, "ha_get_state", map[string]string{"entity_id": "light.bedroom"})
	if err != nil {
		t.Fatalf("ToolRequest() error: %v", err)
	}
	if !strings.Contains(string(data), "light.bedroom") {
		t.Errorf("data = %s, want upstream state", data)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("tools = %d, want 2", len(tools))
	}

	results, err := c.GetPendingResults(ctx)
	if err != nil {
		t.Fatalf("GetPendingResults() error: %v", err)
	}
	if len(results) != 1 || results[0].RequestID != "old-1" {
		t.Errorf("pending results = %v, want the queued one", results)
	}
}

func TestServerRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	url := startAgentServer(t, env)

	_, err := client.Dial(context.Background(), url, "wrong-token")
	var connErr *client.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Dial() = %v, want ConnectionError", err)
	}
}

func TestServerRequiresAuthFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))

	writeFrame(t, conn, `{"jsonrpc":"2.0","id":1,"method":"list_tools"}`)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32005 {
		t.Fatalf("frame = %+v, want NOT_AUTHENTICATED", f)
	}

	// The server hangs up after the failed handshake.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection survived a failed handshake")
	}
}

func TestServerAuthDeadline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{authDeadline: "150ms"})
	conn := dialAgent(t, startAgentServer(t, env))

	// Say nothing; the deadline closes the connection.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection survived the handshake deadline")
	}
}

func TestServerParseError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))
	authenticate(t, conn)

	writeFrame(t, conn, `{nope`)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32700 {
		t.Fatalf("frame = %+v, want parse error", f)
	}
	if string(f.ID) != "null" {
		t.Errorf("id = %s, want null for an unparseable request", f.ID)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))
	authenticate(t, conn)

	writeFrame(t, conn, `{"jsonrpc":"2.0","id":2,"method":"make_coffee"}`)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32601 {
		t.Fatalf("frame = %+v, want method not found", f)
	}
}

func TestServerToolRequestRequiresToolName(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))
	authenticate(t, conn)

	writeFrame(t, conn, `{"jsonrpc":"2.0","id":2,"method":"tool_request","params":{}}`)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32600 {
		t.Fatalf("frame = %+v, want invalid request", f)
	}
}

func TestServerPolicyDenyCode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))
	authenticate(t, conn)

	writeFrame(t, conn, `{"jsonrpc":"2.0","id":2,"method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"lock","service":"unlock","entity_id":"lock.front"}}}`)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32003 {
		t.Fatalf("frame = %+v, want policy denied", f)
	}
}

func TestServerDuplicateRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))
	authenticate(t, conn)

	toolRequest := `{"jsonrpc":"2.0","id":7,"method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.bedroom"}}}`

	// First lands in the approval wait and holds envelope id 7.
	writeFrame(t, conn, toolRequest)
	prompt := env.msgr.awaitPrompt(t)

	// Reusing the id while the first is in flight is rejected.
	writeFrame(t, conn, toolRequest)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32600 || !strings.Contains(f.Error.Message, "duplicate") {
		t.Fatalf("frame = %+v, want duplicate request id rejection", f)
	}

	if err := env.engine.HandleResolution(context.Background(), messengerDeny(prompt.RequestID)); err != nil {
		t.Fatalf("HandleResolution() error: %v", err)
	}

	// The original request settles with the guardian's denial.
	f = readFrame(t, conn)
	if f.Error == nil || f.Error.Code != -32001 {
		t.Fatalf("frame = %+v, want user denied", f)
	}
	if string(f.ID) != "7" {
		t.Errorf("id = %s, want 7", f.ID)
	}

	audit := env.store.lastAudit(t)
	if audit.Resolution != request.ResolutionDeniedByUser {
		t.Errorf("audit resolution = %v, want DENIED_BY_USER", audit.Resolution)
	}
}

func TestServerConcurrentRequestsOutOfOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	conn := dialAgent(t, startAgentServer(t, env))
	authenticate(t, conn)

	// An ASK request parks first; an ALLOW request sent after it must not
	// wait behind the approval.
	writeFrame(t, conn, `{"jsonrpc":"2.0","id":10,"method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.bedroom"}}}`)
	prompt := env.msgr.awaitPrompt(t)

	writeFrame(t, conn, `{"jsonrpc":"2.0","id":11,"method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.bedroom"}}}`)
	f := readFrame(t, conn)
	if string(f.ID) != "11" || f.Error != nil {
		t.Fatalf("frame = %+v, want the ALLOW result first", f)
	}

	if err := env.engine.HandleResolution(context.Background(), messengerDeny(prompt.RequestID)); err != nil {
		t.Fatalf("HandleResolution() error: %v", err)
	}
	f = readFrame(t, conn)
	if string(f.ID) != "10" {
		t.Errorf("id = %s, want the parked request last", f.ID)
	}
}
