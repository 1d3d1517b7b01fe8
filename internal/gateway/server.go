package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/auth"
)

// shutdownGrace bounds how long Run waits for listeners to drain.
const shutdownGrace = 10 * time.Second

// Server owns the agent channel listener and the optional health/metrics
// listener. One server hosts any number of concurrent agent sessions,
// all sharing the engine.
type Server struct {
	cfg      *config.Config
	engine   *Engine
	verifier *auth.TokenVerifier
	checker  *HealthChecker
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	baseCtx  context.Context
}

// NewServer wires the agent channel server.
func NewServer(cfg *config.Config, engine *Engine, verifier *auth.TokenVerifier, checker *HealthChecker, reg *prometheus.Registry, metrics *Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		verifier: verifier,
		checker:  checker,
		registry: reg,
		metrics:  metrics,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// Agents are programs, not browsers; origin carries no
				// trust here. Auth happens on the first message.
				return true
			},
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Run serves until ctx is cancelled or a listener fails. Shutdown order:
// stop accepting, notify live sessions with their outstanding request
// ids, close connections, then drain the HTTP servers.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	if !s.cfg.Gateway.TLS.Enabled() && !s.cfg.Gateway.Insecure {
		return errors.New("agent channel requires TLS; set gateway.insecure to run without it")
	}

	addr := net.JoinHostPort(s.cfg.Gateway.Host, strconv.Itoa(s.cfg.Gateway.Port))
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleAgent)
	agentServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 2)

	go func() {
		var err error
		if s.cfg.Gateway.TLS.Enabled() {
			s.logger.Info("agent channel listening", "addr", addr, "tls", true)
			err = agentServer.ListenAndServeTLS(s.cfg.Gateway.TLS.Cert, s.cfg.Gateway.TLS.Key)
		} else {
			s.logger.Warn("agent channel listening without TLS", "addr", addr)
			err = agentServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("agent channel listener failed: %w", err)
		}
	}()

	var healthServer *http.Server
	if s.cfg.Gateway.HealthAddr != "" {
		healthServer = &http.Server{
			Addr:    s.cfg.Gateway.HealthAddr,
			Handler: HealthMux(s.checker, s.registry),
		}
		go func() {
			s.logger.Info("health endpoint listening", "addr", s.cfg.Gateway.HealthAddr)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("health listener failed: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.closeSessions()
	if err := agentServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("agent channel shutdown incomplete", "error", err)
	}
	if healthServer != nil {
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("health listener shutdown incomplete", "error", err)
		}
	}

	return runErr
}

// handleAgent upgrades one agent connection and runs its session.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := newSession(s.baseCtx, conn, s.engine, s.verifier,
		s.cfg.AuthDeadlineDuration(), s.metrics, s.logger)

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()

	session.run()

	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

// closeSessions sends each live session its shutdown notice and closes
// it. Pending approvals stay persisted for the next boot's sweep.
func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.notifyShutdown()
		session.close()
	}
}
