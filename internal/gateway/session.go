package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentpass/agentpass/internal/domain/auth"
	"github.com/agentpass/agentpass/pkg/rpc"
)

const (
	// sessionWriteWait bounds each websocket write.
	sessionWriteWait = 10 * time.Second

	// sessionMaxPayloadBytes caps inbound message size.
	sessionMaxPayloadBytes = 1 << 20
)

var errSessionClosed = errors.New("session closed")

// Session is one authenticated agent connection. Requests are serviced
// concurrently on per-message goroutines; replies are serialized through
// the write mutex and may arrive out of request order.
type Session struct {
	id       string
	conn     *websocket.Conn
	engine   *Engine
	verifier *auth.TokenVerifier
	metrics  *Metrics
	logger   *slog.Logger

	// baseCtx is the server's context, not the connection's: in-flight
	// approvals outlive a disconnecting agent.
	baseCtx context.Context

	authDeadline  time.Duration
	authenticated atomic.Bool
	closed        atomic.Bool

	writeMu sync.Mutex

	// mu guards inflight: the envelope ids of tool_requests not yet
	// replied to, used for duplicate rejection and the shutdown notice.
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newSession(baseCtx context.Context, conn *websocket.Conn, engine *Engine, verifier *auth.TokenVerifier, authDeadline time.Duration, metrics *Metrics, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		conn:         conn,
		engine:       engine,
		verifier:     verifier,
		metrics:      metrics,
		logger:       logger.With("component", "session", "session_id", id),
		baseCtx:      baseCtx,
		authDeadline: authDeadline,
		inflight:     make(map[string]struct{}),
	}
}

// run drives the session: handshake, then the request loop. Returns when
// the connection is gone.
func (s *Session) run() {
	defer s.close()

	s.conn.SetReadLimit(sessionMaxPayloadBytes)

	if !s.handshake() {
		return
	}

	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()
	s.logger.Info("agent authenticated")

	s.readLoop()
}

// handshake enforces auth-first: the first message must be a valid auth
// call within the deadline. Anything else closes the connection with
// NOT_AUTHENTICATED.
func (s *Session) handshake() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.authDeadline))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Info("handshake failed", "error", err)
		return false
	}

	msg, err := rpc.WrapMessage(data)
	if err != nil {
		s.sendError(nil, rpc.CodeParseError, "parse error")
		return false
	}
	id := msg.RawID()

	if msg.Method() != rpc.MethodAuth {
		s.sendError(id, rpc.CodeNotAuthenticated, "authentication required")
		return false
	}

	var params rpc.AuthParams
	if req := msg.Request(); req != nil && len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(id, rpc.CodeInvalidRequest, "invalid auth params")
			return false
		}
	}

	if err := s.verifier.Verify(params.Token); err != nil {
		s.logger.Warn("agent presented an invalid token")
		s.sendError(id, rpc.CodeNotAuthenticated, "invalid token")
		return false
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	s.authenticated.Store(true)
	s.sendResult(id, rpc.AuthResult{Authenticated: true, ProtocolVersion: rpc.ProtocolVersion})
	return true
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("agent disconnected", "error", err)
			return
		}

		msg, err := rpc.WrapMessage(data)
		if err != nil {
			s.sendError(nil, rpc.CodeParseError, "parse error")
			continue
		}

		req := msg.Request()
		if req == nil || !req.IsCall() {
			// Responses and notifications from the agent have no handler.
			continue
		}

		s.dispatch(msg)
	}
}

// dispatch routes one call. tool_request runs on its own goroutine so an
// approval wait never blocks the read loop; the cheap methods answer
// inline.
func (s *Session) dispatch(msg *rpc.Message) {
	id := msg.RawID()

	switch msg.Method() {
	case rpc.MethodAuth:
		// Re-auth on a live session is a no-op acknowledgement.
		s.sendResult(id, rpc.AuthResult{Authenticated: true, ProtocolVersion: rpc.ProtocolVersion})

	case rpc.MethodToolRequest:
		var params rpc.ToolRequestParams
		if err := json.Unmarshal(msg.Request().Params, &params); err != nil || params.Tool == "" {
			s.sendError(id, rpc.CodeInvalidRequest, "tool_request requires a tool name")
			return
		}
		if !s.trackInflight(id) {
			s.sendError(id, rpc.CodeInvalidRequest, "duplicate request id")
			return
		}
		go func() {
			defer s.untrackInflight(id)
			outcome := s.engine.HandleToolRequest(s.baseCtx, params)
			s.deliver(id, outcome)
		}()

	case rpc.MethodListTools:
		s.sendResult(id, s.engine.ListTools())

	case rpc.MethodGetPendingResults:
		results, err := s.engine.DrainOfflineResults(s.baseCtx)
		if err != nil {
			s.sendError(id, rpc.CodeExecutionFailed, "failed to drain pending results")
			return
		}
		s.sendResult(id, results)

	default:
		s.sendError(id, rpc.CodeMethodNotFound, fmt.Sprintf("unknown method: %s", msg.Method()))
	}
}

// deliver sends the outcome to the agent, or queues it for offline drain
// when the session is gone.
func (s *Session) deliver(id json.RawMessage, outcome ToolOutcome) {
	if outcome.Dropped {
		return
	}

	var err error
	if outcome.Err != nil {
		err = s.writeError(id, outcome.Err.RPCCode(), outcome.Err.Message)
	} else {
		err = s.writeResult(id, json.RawMessage(outcome.Payload))
	}
	if err != nil {
		s.engine.QueueOffline(s.baseCtx, outcome)
	}
}

// trackInflight registers an envelope id; false means a duplicate is
// already in flight.
func (s *Session) trackInflight(id json.RawMessage) bool {
	key := string(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inflight[key]; dup {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Session) untrackInflight(id json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, string(id))
}

// notifyShutdown tells the agent which of its requests are still in
// flight before the connection closes. Best-effort.
func (s *Session) notifyShutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.inflight))
	for key := range s.inflight {
		ids = append(ids, envelopeIDString(key))
	}
	s.mu.Unlock()

	data, err := rpc.NewNotification(rpc.MethodShuttingDown, rpc.ShuttingDownParams{RequestIDs: ids})
	if err != nil {
		return
	}
	_ = s.write(data)
}

// envelopeIDString renders a raw JSON-RPC id for the shutdown notice.
func envelopeIDString(raw string) string {
	if unquoted, err := strconv.Unquote(raw); err == nil {
		return unquoted
	}
	return raw
}

func (s *Session) sendResult(id json.RawMessage, result any) {
	if err := s.writeResult(id, result); err != nil {
		s.logger.Debug("failed to send result", "error", err)
	}
}

func (s *Session) sendError(id json.RawMessage, code int64, message string) {
	if err := s.writeError(id, code, message); err != nil {
		s.logger.Debug("failed to send error", "error", err)
	}
}

func (s *Session) writeResult(id json.RawMessage, result any) error {
	data, err := rpc.NewResponse(id, result)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) writeError(id json.RawMessage, code int64, message string) error {
	data, err := rpc.NewErrorResponse(id, code, message)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.conn.Close()
}
