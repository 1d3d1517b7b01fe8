package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	_ "github.com/agentpass/agentpass/internal/adapter/outbound/httpsvc"
	"github.com/agentpass/agentpass/internal/adapter/outbound/memory"
	"github.com/agentpass/agentpass/internal/adapter/outbound/sqlite"
	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/auth"
	"github.com/agentpass/agentpass/internal/domain/policy"
	"github.com/agentpass/agentpass/internal/domain/registry"
	"github.com/agentpass/agentpass/internal/gateway"
	"github.com/agentpass/agentpass/internal/messenger/telegram"
	"github.com/agentpass/agentpass/internal/service"
)

// sweepInterval is how often the background sweeper re-checks for
// expired approvals. The per-request timers settle expiries in the
// normal case; this covers records orphaned by crashes.
const sweepInterval = time.Minute

var serveInsecure bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the agentpass gateway.

The gateway listens for agent connections on the configured websocket
address, routes tool requests through the permission policy, and sends
requests that need human approval to the configured messenger.

Examples:
  # Start with ./agentpass.yaml
  agentpass serve

  # Start with a specific config file
  agentpass --config /etc/agentpass/agentpass.yaml serve

  # Allow running without TLS (development only)
  agentpass serve --insecure`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveInsecure, "insecure", false, "allow plaintext websocket (no TLS)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveInsecure {
		cfg.Gateway.Insecure = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := newLogger(cfg.Logging)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// A second signal restores default handling, so Ctrl+C twice is an
	// immediate exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	return run(ctx, cfg, logger)
}

// run wires all components and serves until ctx ends.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	perms, err := config.LoadPermissionsFile(cfg.PermissionsFile)
	if err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}

	reg, err := registry.Build(cfg.Services)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	logger.Info("tool registry built", "tools", len(reg.AllTools()), "services", len(cfg.Services))

	policyEngine, err := policy.NewEngine(perms, logger)
	if err != nil {
		return fmt.Errorf("failed to compile permission policy: %w", err)
	}

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	logger.Info("store opened", "path", cfg.Storage.Path)

	executor, err := service.NewExecutor(cfg.Services, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to build services: %w", err)
	}
	defer executor.Close()

	// Downstream outages are informational at boot: the gateway still
	// serves the services that are up.
	for name, err := range executor.HealthChecks(ctx) {
		if err != nil {
			logger.Warn("service unreachable, continuing anyway", "service", name, "error", err)
		}
	}

	msgr, err := telegram.New(cfg.Messenger.Telegram, logger)
	if err != nil {
		return fmt.Errorf("failed to create messenger: %w", err)
	}

	limiter := memory.NewRateLimiter()
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(promRegistry)

	engine := gateway.NewEngine(cfg, reg, policyEngine, executor, store, msgr, limiter, metrics, logger)

	msgr.OnResolution(engine.HandleResolution)
	if err := msgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messenger: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := msgr.Stop(stopCtx); err != nil {
			logger.Warn("messenger did not stop cleanly", "error", err)
		}
	}()

	// Expire anything left over from the previous boot before accepting
	// requests.
	if err := engine.SweepStale(ctx); err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	}
	go engine.RunSweeper(ctx, sweepInterval)

	verifier := auth.NewTokenVerifier(cfg.Agent.Token)
	checker := gateway.NewHealthChecker(store, msgr, executor, Version, logger)
	server := gateway.NewServer(cfg, engine, verifier, checker, promRegistry, metrics, logger)

	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("agentpass stopped")
	return nil
}

// newLogger builds the slog logger from config. Logs go to stderr.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
