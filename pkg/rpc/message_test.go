package rpc

import (
	"encoding/json"
	"testing"
)

func TestNewResponsePreservesID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   json.RawMessage
		want string
	}{
		{"number id", json.RawMessage(`42`), `42`},
		{"string id", json.RawMessage(`"abc-1"`), `"abc-1"`},
		{"missing id becomes null", nil, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewResponse(tt.id, map[string]string{"ok": "yes"})
			if err != nil {
				t.Fatalf("NewResponse() error: %v", err)
			}

			var decoded map[string]json.RawMessage
			if err := json.Unmarshal(out, &decoded); err != nil {
				t.Fatalf("response is not valid JSON: %v", err)
			}
			if string(decoded["jsonrpc"]) != `"2.0"` {
				t.Errorf("jsonrpc = %s, want \"2.0\"", decoded["jsonrpc"])
			}
			if string(decoded["id"]) != tt.want {
				t.Errorf("id = %s, want %s", decoded["id"], tt.want)
			}
			if _, ok := decoded["result"]; !ok {
				t.Error("response missing result")
			}
			if _, ok := decoded["error"]; ok {
				t.Error("success response carries an error member")
			}
		})
	}
}

func TestNewErrorResponse(t *testing.T) {
	t.Parallel()

	out, err := NewErrorResponse(json.RawMessage(`7`), CodeUserDenied, "denied by user")
	if err != nil {
		t.Fatalf("NewErrorResponse() error: %v", err)
	}

	var decoded struct {
		ID    json.RawMessage `json:"id"`
		Error struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if string(decoded.ID) != `7` {
		t.Errorf("id = %s, want 7", decoded.ID)
	}
	if decoded.Error.Code != -32001 {
		t.Errorf("code = %d, want -32001", decoded.Error.Code)
	}
	if decoded.Error.Message != "denied by user" {
		t.Errorf("message = %q, want denied by user", decoded.Error.Message)
	}
}

func TestNewNotification(t *testing.T) {
	t.Parallel()

	out, err := NewNotification(MethodShuttingDown, ShuttingDownParams{RequestIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("NewNotification() error: %v", err)
	}

	var decoded struct {
		ID     json.RawMessage    `json:"id"`
		Method string             `json:"method"`
		Params ShuttingDownParams `json:"params"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("notification is not valid JSON: %v", err)
	}
	if decoded.ID != nil {
		t.Errorf("notification carries an id: %s", decoded.ID)
	}
	if decoded.Method != "shutting_down" {
		t.Errorf("method = %q, want shutting_down", decoded.Method)
	}
	if len(decoded.Params.RequestIDs) != 2 {
		t.Errorf("request_ids = %v, want [a b]", decoded.Params.RequestIDs)
	}
}

func TestWrapMessage(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"jsonrpc":"2.0","id":3,"method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.bedroom"}}}`)
	msg, err := WrapMessage(raw)
	if err != nil {
		t.Fatalf("WrapMessage() error: %v", err)
	}

	if msg.Method() != MethodToolRequest {
		t.Errorf("Method() = %q, want tool_request", msg.Method())
	}
	if got := string(msg.RawID()); got != "3" {
		t.Errorf("RawID() = %s, want 3", got)
	}

	req := msg.Request()
	if req == nil {
		t.Fatal("Request() = nil, want request")
	}
	var params ToolRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params decode error: %v", err)
	}
	if params.Tool != "ha_get_state" || params.Args["entity_id"] != "light.bedroom" {
		t.Errorf("params = %+v, want decoded tool request", params)
	}
}

func TestWrapMessageStringID(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"jsonrpc":"2.0","id":"req-00042","method":"list_tools"}`)
	msg, err := WrapMessage(raw)
	if err != nil {
		t.Fatalf("WrapMessage() error: %v", err)
	}
	if got := string(msg.RawID()); got != `"req-00042"` {
		t.Errorf("RawID() = %s, want quoted string preserved", got)
	}
}

func TestWrapMessageParseError(t *testing.T) {
	t.Parallel()

	if _, err := WrapMessage([]byte(`{not json`)); err == nil {
		t.Error("WrapMessage() = nil error for malformed JSON")
	}
}
