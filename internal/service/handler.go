// Package service defines the service handler contract and routes tool
// executions to the handler owning each tool.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/registry"
)

// Handler executes tool requests against one downstream service.
// Implementations must be safe for concurrent use.
type Handler interface {
	// Execute runs one tool request and returns the shaped response body.
	Execute(ctx context.Context, tool *registry.Tool, args map[string]string) (json.RawMessage, error)

	// HealthCheck probes the service. A nil return means healthy.
	HealthCheck(ctx context.Context) error

	// Close releases the handler's resources.
	Close() error
}

// Factory constructs a handler from its service configuration and the
// tool set the service owns.
type Factory func(name string, cfg config.ServiceConfig, tools []*registry.Tool, logger *slog.Logger) (Handler, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a handler factory available under the given name.
// Service configs select factories with their handler field. Packages
// register factories from init; a duplicate name panics.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("service: duplicate handler factory %q", name))
	}
	factories[name] = factory
}

// lookupFactory returns the registered factory for a handler name.
func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// RegisteredFactories returns the registered factory names, sorted.
func RegisteredFactories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
