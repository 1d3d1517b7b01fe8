// Package rpc provides the JSON-RPC message types and codec utilities
// for the agentpass agent channel.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ProtocolVersion is echoed in auth responses so agents can detect
// incompatible gateways.
const ProtocolVersion = "1.0"

// Methods accepted on the agent channel. Auth must be the first message
// on every connection.
const (
	MethodAuth              = "auth"
	MethodToolRequest       = "tool_request"
	MethodListTools         = "list_tools"
	MethodGetPendingResults = "get_pending_results"

	// MethodShuttingDown is a server-to-agent notification sent during
	// graceful shutdown, carrying the request ids still in flight.
	MethodShuttingDown = "shutting_down"
)

// Error codes carried on the agent channel. The -327xx range follows
// JSON-RPC 2.0; the -320xx range is gateway-specific.
const (
	CodeParseError        int64 = -32700
	CodeInvalidRequest    int64 = -32600
	CodeMethodNotFound    int64 = -32601
	CodeUserDenied        int64 = -32001
	CodeApprovalTimeout   int64 = -32002
	CodePolicyDenied      int64 = -32003
	CodeExecutionFailed   int64 = -32004
	CodeNotAuthenticated  int64 = -32005
	CodeRateLimitExceeded int64 = -32006
)

// AuthParams carries the shared agent bearer token.
type AuthParams struct {
	Token string `json:"token"`
}

// AuthResult acknowledges a successful handshake.
type AuthResult struct {
	Authenticated   bool   `json:"authenticated"`
	ProtocolVersion string `json:"protocol_version"`
}

// ToolRequestParams is the payload of a tool_request call. Args values
// are scalars rendered as strings by the agent.
type ToolRequestParams struct {
	Tool string            `json:"tool"`
	Args map[string]string `json:"args,omitempty"`
}

// ToolInfo describes one registered tool in a list_tools response.
type ToolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Service     string             `json:"service"`
	Args        map[string]ArgInfo `json:"args,omitempty"`
}

// ArgInfo describes a single tool argument.
type ArgInfo struct {
	Required bool   `json:"required"`
	Validate string `json:"validate,omitempty"`
}

// ListToolsResult is the result of a list_tools call.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// PendingResult is one buffered offline result.
type PendingResult struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingResultsResult is the result of a get_pending_results drain.
type PendingResultsResult struct {
	Results []PendingResult `json:"results"`
}

// ShuttingDownParams is the payload of the shutting_down notification.
type ShuttingDownParams struct {
	RequestIDs []string `json:"request_ids"`
}

// NewResponse builds a success response for the given raw id. The id is
// copied verbatim from the originating request so number/string forms
// survive the round trip.
func NewResponse(id json.RawMessage, result any) ([]byte, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      normalizeID(id),
		"result":  resultJSON,
	})
}

// NewErrorResponse builds an error response for the given raw id.
func NewErrorResponse(id json.RawMessage, code int64, message string) ([]byte, error) {
	errJSON, err := json.Marshal(&jsonrpc.Error{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      normalizeID(id),
		"error":   errJSON,
	})
}

// NewNotification builds a server-initiated notification (no id).
func NewNotification(method string, params any) ([]byte, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"method":  json.RawMessage(`"` + method + `"`),
		"params":  paramsJSON,
	})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Message wraps a decoded JSON-RPC message received from an agent with
// the raw bytes it arrived as.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Decoded contains the parsed JSON-RPC message. The concrete type is
	// either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received.
	Timestamp time.Time
}

// Request returns the underlying Request if this is a request message.
// Returns nil otherwise.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// RawID extracts the request id from the raw bytes as json.RawMessage.
// The SDK's jsonrpc.ID does not marshal cleanly through interface{}, so
// the id is lifted straight out of the wire bytes, preserving its
// original form (number, string, or null). Returns nil if absent.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
