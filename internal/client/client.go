// Package client is the agent-side SDK for the agentpass gateway: it
// dials the websocket agent channel, authenticates, and exposes the
// tool_request / list_tools / get_pending_results methods.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/agentpass/agentpass/pkg/rpc"
)

// response is what the read loop hands to a waiting caller.
type response struct {
	result json.RawMessage
	err    *GatewayError
}

// Client is one authenticated connection to the gateway. Safe for
// concurrent use; requests multiplex over the single connection by id.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan response
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway and authenticates with the agent token.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{Cause: err}
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	raw, err := c.call(ctx, rpc.MethodAuth, rpc.AuthParams{Token: token})
	if err != nil {
		c.Close()
		return nil, &ConnectionError{Cause: err}
	}
	var auth rpc.AuthResult
	if err := json.Unmarshal(raw, &auth); err != nil || !auth.Authenticated {
		c.Close()
		return nil, &ConnectionError{Cause: fmt.Errorf("authentication rejected")}
	}

	return c, nil
}

// ToolRequest executes one tool through the gateway and returns the
// service's response data. Blocks for the full approval wait when the
// request needs one; bound it with ctx.
func (c *Client) ToolRequest(ctx context.Context, tool string, args map[string]string) (json.RawMessage, error) {
	raw, err := c.call(ctx, rpc.MethodToolRequest, rpc.ToolRequestParams{Tool: tool, Args: args})
	if err != nil {
		return nil, err
	}

	var result struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tool result: %w", err)
	}
	return result.Data, nil
}

// ListTools returns the gateway's tool registry.
func (c *Client) ListTools(ctx context.Context) ([]rpc.ToolInfo, error) {
	raw, err := c.call(ctx, rpc.MethodListTools, struct{}{})
	if err != nil {
		return nil, err
	}
	var result rpc.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tool list: %w", err)
	}
	return result.Tools, nil
}

// GetPendingResults drains results for requests that resolved while the
// agent was disconnected. Each result is returned exactly once.
func (c *Client) GetPendingResults(ctx context.Context) ([]rpc.PendingResult, error) {
	raw, err := c.call(ctx, rpc.MethodGetPendingResults, struct{}{})
	if err != nil {
		return nil, err
	}
	var result rpc.PendingResultsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed pending results: %w", err)
	}
	return result.Results, nil
}

// Close tears the connection down and fails all waiting calls.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// call sends one request and blocks for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, &ConnectionError{Cause: err}
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  json.RawMessage(paramsJSON),
	})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, &ConnectionError{Cause: err}
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		return resp.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		cause := c.readErr
		c.mu.Unlock()
		return nil, &ConnectionError{Cause: cause}
	}
}

// readLoop routes responses to their waiting callers until the
// connection dies, then fails everything still pending.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.Close()
			return
		}

		var msg struct {
			ID     *int64          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int64  `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		// Server notifications (shutting_down) have no waiting caller.
		if msg.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.mu.Unlock()
		if !ok {
			continue
		}

		if msg.Error != nil {
			ch <- response{err: &GatewayError{Code: msg.Error.Code, Message: msg.Error.Message}}
		} else {
			ch <- response{result: msg.Result}
		}
	}
}
