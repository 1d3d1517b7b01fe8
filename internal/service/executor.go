package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/registry"
	"github.com/agentpass/agentpass/internal/domain/request"
)

// Executor owns the per-service handlers and routes each tool request
// to the handler of the tool's owning service.
type Executor struct {
	handlers map[string]Handler
	registry *registry.Registry
	logger   *slog.Logger
}

// NewExecutor constructs the configured handlers. Unknown handler
// factory names are fatal configuration errors.
func NewExecutor(services map[string]config.ServiceConfig, reg *registry.Registry, logger *slog.Logger) (*Executor, error) {
	e := &Executor{
		handlers: make(map[string]Handler, len(services)),
		registry: reg,
		logger:   logger.With("component", "executor"),
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := services[name]
		factory, ok := lookupFactory(cfg.Handler)
		if !ok {
			e.Close()
			return nil, fmt.Errorf("service %q: unknown handler %q (registered: %v)",
				name, cfg.Handler, RegisteredFactories())
		}
		handler, err := factory(name, cfg, reg.ToolsForService(name), logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		e.handlers[name] = handler
	}

	return e, nil
}

// Execute dispatches one tool request to its service handler. Handler
// panics are contained and classified as execution failures so a broken
// handler can never take down a session.
func (e *Executor) Execute(ctx context.Context, tool *registry.Tool, args map[string]string) (result json.RawMessage, err error) {
	handler, ok := e.handlers[tool.ServiceName]
	if !ok {
		return nil, request.NewExecError(request.ExecOther,
			fmt.Sprintf("no handler for service %q", tool.ServiceName), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", "service", tool.ServiceName, "tool", tool.Name, "panic", r)
			result = nil
			err = request.NewExecError(request.ExecOther,
				fmt.Sprintf("handler for service %q failed", tool.ServiceName), nil)
		}
	}()

	return handler.Execute(ctx, tool, args)
}

// HealthChecks probes every handler and returns per-service status.
func (e *Executor) HealthChecks(ctx context.Context) map[string]error {
	results := make(map[string]error, len(e.handlers))
	for name, handler := range e.handlers {
		results[name] = handler.HealthCheck(ctx)
	}
	return results
}

// Close closes every handler.
func (e *Executor) Close() error {
	var firstErr error
	for name, handler := range e.handlers {
		if err := handler.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close handler %q: %w", name, err)
		}
	}
	return firstErr
}
