// Package config provides configuration types and loading for agentpass.
//
// Configuration comes from three files:
//
//   - agentpass.yaml: the main gateway configuration (this package's Config)
//   - one tools YAML file per service (see tools.go)
//   - a permissions YAML file (see permissions.go)
//
// Environment variables override main config values with the AGENTPASS_
// prefix, and ${VAR} references inside string values are substituted
// from the environment after unmarshal.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Gateway configures the agent channel listener and health endpoint.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Agent configures agent authentication.
	Agent AgentConfig `yaml:"agent" mapstructure:"agent"`

	// ApprovalTimeout is how long a pending approval waits for a human
	// decision before timing out (e.g. "900s", "15m"). Default: "900s".
	ApprovalTimeout string `yaml:"approval_timeout" mapstructure:"approval_timeout" validate:"omitempty"`

	// RateLimit configures the auto-allow budget and pending quota.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Storage configures the embedded store.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Messenger selects and configures the approval messenger.
	Messenger MessengerConfig `yaml:"messenger" mapstructure:"messenger"`

	// Services maps service names to their wiring. Each service owns the
	// tools declared in its tools file.
	Services map[string]ServiceConfig `yaml:"services" mapstructure:"services" validate:"omitempty,dive"`

	// PermissionsFile is the path to the permissions YAML file.
	PermissionsFile string `yaml:"permissions_file" mapstructure:"permissions_file"`

	// Logging configures slog output.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// GatewayConfig configures the websocket listener for agents and the
// unauthenticated health/metrics listener.
type GatewayConfig struct {
	// Host is the bind address for the agent channel. Default: "127.0.0.1".
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the agent channel port. Default: 8765.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// HealthAddr is the bind address for the health endpoint
	// (e.g. "127.0.0.1:8766"). Empty disables the endpoint.
	HealthAddr string `yaml:"health_addr" mapstructure:"health_addr" validate:"omitempty,hostname_port"`

	// TLS holds the certificate material for the agent channel.
	// When both fields are empty, Insecure must be true.
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`

	// Insecure allows running the agent channel without TLS.
	Insecure bool `yaml:"insecure" mapstructure:"insecure"`

	// AuthDeadline is the handshake deadline for the first message
	// (e.g. "10s"). Default: "10s".
	AuthDeadline string `yaml:"auth_deadline" mapstructure:"auth_deadline" validate:"omitempty"`
}

// TLSConfig holds TLS certificate material.
type TLSConfig struct {
	Cert string `yaml:"cert" mapstructure:"cert" validate:"omitempty,file"`
	Key  string `yaml:"key" mapstructure:"key" validate:"omitempty,file"`
}

// Enabled reports whether certificate material is configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// AgentConfig configures agent authentication.
type AgentConfig struct {
	// Token is the shared bearer token agents present in the auth
	// handshake. Accepts plaintext, "sha256:<hex>", or an argon2id PHC
	// string ("$argon2id$..."). Supports ${VAR} substitution.
	Token string `yaml:"token" mapstructure:"token" validate:"required"`
}

// RateLimitConfig bounds auto-allowed throughput and concurrent approvals.
type RateLimitConfig struct {
	// MaxPendingApprovals is the system-wide ceiling of concurrently
	// pending approvals. Default: 10.
	MaxPendingApprovals int `yaml:"max_pending_approvals" mapstructure:"max_pending_approvals" validate:"omitempty,min=1"`

	// MaxRequestsPerMinute caps auto-allowed executions per rolling
	// minute. Default: 60.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute" mapstructure:"max_requests_per_minute" validate:"omitempty,min=1"`
}

// StorageConfig configures the embedded store.
type StorageConfig struct {
	// Type selects the store backend. Only "sqlite" is supported.
	Type string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=sqlite"`

	// Path is the database file path. Default: "agentpass.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// MessengerConfig selects and configures the approval messenger.
type MessengerConfig struct {
	// Type selects the adapter. Only "telegram" ships built in.
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=telegram"`

	// Telegram configures the Telegram adapter.
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram guardian bot.
type TelegramConfig struct {
	// Token is the bot API token. Supports ${VAR} substitution.
	Token string `yaml:"token" mapstructure:"token"`

	// ChatID is the chat that receives approval prompts.
	ChatID int64 `yaml:"chat_id" mapstructure:"chat_id"`

	// AuthorizedUsers lists the Telegram user ids permitted to resolve
	// approvals. Callbacks from anyone else are rejected.
	AuthorizedUsers []int64 `yaml:"authorized_users" mapstructure:"authorized_users"`
}

// ServiceConfig wires one downstream service.
type ServiceConfig struct {
	// URL is the service base URL. Required for the http handler.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Handler names the registered handler factory. Default: "http".
	Handler string `yaml:"handler" mapstructure:"handler"`

	// Timeout bounds each dispatch (e.g. "30s"). Default: "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// Auth configures how credentials attach to outbound requests.
	Auth ServiceAuthConfig `yaml:"auth" mapstructure:"auth"`

	// Health configures the service health probe.
	Health HealthProbeConfig `yaml:"health" mapstructure:"health"`

	// Errors maps HTTP status codes (as strings) to templated messages.
	// "{status}" and "{body}" are substituted.
	Errors map[string]string `yaml:"errors" mapstructure:"errors"`

	// ToolsFile is the path to this service's tools YAML file.
	ToolsFile string `yaml:"tools_file" mapstructure:"tools_file" validate:"required"`

	// Extra holds handler-specific options for plugin handlers.
	Extra map[string]string `yaml:"extra" mapstructure:"extra"`
}

// ServiceAuthConfig configures outbound credentials for a service.
type ServiceAuthConfig struct {
	// Type is one of "bearer", "header", "query", "basic", or empty for
	// no auth.
	Type string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=bearer header query basic"`

	// Token is the credential for bearer/header/query schemes.
	// Supports ${VAR} substitution.
	Token string `yaml:"token" mapstructure:"token"`

	// Header is the header name for the header scheme.
	Header string `yaml:"header" mapstructure:"header"`

	// Param is the query parameter name for the query scheme.
	Param string `yaml:"param" mapstructure:"param"`

	// Username and Password serve the basic scheme.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// HealthProbeConfig configures a service health probe.
type HealthProbeConfig struct {
	// Method is the HTTP method. Default: "GET".
	Method string `yaml:"method" mapstructure:"method"`

	// Path is the probe path. Default: "/health".
	Path string `yaml:"path" mapstructure:"path"`

	// ExpectedStatus is the healthy status code. Default: 200.
	ExpectedStatus int `yaml:"expected_status" mapstructure:"expected_status"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is "text" or "json". Default: "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// Defaults applied by SetDefaults.
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 8765
	DefaultAuthDeadline         = 10 * time.Second
	DefaultApprovalTimeout      = 900 * time.Second
	DefaultMaxPendingApprovals  = 10
	DefaultMaxRequestsPerMinute = 60
	DefaultServiceTimeout       = 30 * time.Second
	DefaultStoragePath          = "agentpass.db"
)

// SetDefaults fills optional fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultPort
	}
	if c.Gateway.AuthDeadline == "" {
		c.Gateway.AuthDeadline = DefaultAuthDeadline.String()
	}
	if c.ApprovalTimeout == "" {
		c.ApprovalTimeout = DefaultApprovalTimeout.String()
	}
	if c.RateLimit.MaxPendingApprovals == 0 {
		c.RateLimit.MaxPendingApprovals = DefaultMaxPendingApprovals
	}
	if c.RateLimit.MaxRequestsPerMinute == 0 {
		c.RateLimit.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for name, svc := range c.Services {
		if svc.Handler == "" {
			svc.Handler = "http"
		}
		if svc.Timeout == "" {
			svc.Timeout = DefaultServiceTimeout.String()
		}
		if svc.Health.Method == "" {
			svc.Health.Method = "GET"
		}
		if svc.Health.Path == "" {
			svc.Health.Path = "/health"
		}
		if svc.Health.ExpectedStatus == 0 {
			svc.Health.ExpectedStatus = 200
		}
		c.Services[name] = svc
	}
}

// AuthDeadlineDuration parses the handshake deadline, falling back to
// the default on parse failure (validation reports the failure).
func (c *Config) AuthDeadlineDuration() time.Duration {
	return parseDurationOr(c.Gateway.AuthDeadline, DefaultAuthDeadline)
}

// ApprovalTimeoutDuration parses the approval timeout.
func (c *Config) ApprovalTimeoutDuration() time.Duration {
	return parseDurationOr(c.ApprovalTimeout, DefaultApprovalTimeout)
}

// TimeoutDuration parses the per-service dispatch timeout.
func (s ServiceConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(s.Timeout, DefaultServiceTimeout)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
