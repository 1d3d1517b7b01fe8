package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentpass/agentpass/internal/domain/store"
	"github.com/agentpass/agentpass/internal/messenger"
	"github.com/agentpass/agentpass/internal/service"
)

// checkTimeout bounds the whole health probe fan-out.
const checkTimeout = 5 * time.Second

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version"`
}

// HealthChecker aggregates component health. The store and messenger are
// critical: either failing makes the gateway unhealthy. Downstream
// services are informational only, since the gateway itself keeps
// working when one of them is down.
type HealthChecker struct {
	store     store.Store
	messenger messenger.Adapter
	executor  *service.Executor
	version   string
	logger    *slog.Logger
}

// NewHealthChecker wires the components the health endpoint reports on.
func NewHealthChecker(st store.Store, msgr messenger.Adapter, exec *service.Executor, version string, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		store:     st,
		messenger: msgr,
		executor:  exec,
		version:   version,
		logger:    logger.With("component", "health"),
	}
}

// Check probes all components and returns the aggregate.
func (h *HealthChecker) Check(ctx context.Context) (HealthResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Checks:  make(map[string]string),
		Version: h.version,
	}
	healthy := true

	if err := h.store.HealthCheck(ctx); err != nil {
		resp.Checks["store"] = err.Error()
		healthy = false
	} else {
		resp.Checks["store"] = "ok"
	}

	if err := h.messenger.HealthCheck(ctx); err != nil {
		resp.Checks["messenger"] = err.Error()
		healthy = false
	} else {
		resp.Checks["messenger"] = "ok"
	}

	for name, err := range h.executor.HealthChecks(ctx) {
		key := "service:" + name
		if err != nil {
			resp.Checks[key] = err.Error()
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Checks[key] = "ok"
		}
	}

	if !healthy {
		resp.Status = "unhealthy"
	}
	return resp, healthy
}

// Handler serves the health endpoint. Returns 503 only when a critical
// component is down; a degraded downstream service still returns 200.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, healthy := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			h.logger.Warn("failed to encode health response", "error", err)
		}
	})
}

// HealthMux builds the unauthenticated health/metrics mux served on
// gateway.health_addr.
func HealthMux(checker *HealthChecker, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
