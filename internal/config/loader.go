package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for agentpass.yaml/.yml
// in standard locations. The search requires an explicit YAML extension
// to avoid matching the binary itself, which Viper's built-in
// SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("agentpass")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AGENTPASS_GATEWAY_PORT
	viper.SetEnvPrefix("AGENTPASS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an agentpass config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentpass"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "agentpass"))
		}
	} else {
		paths = append(paths, "/etc/agentpass")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for agentpass.yaml
// or .yml. Returns the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentpass"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Maps and arrays (services, authorized_users) are config-file
// only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("gateway.host")
	_ = viper.BindEnv("gateway.port")
	_ = viper.BindEnv("gateway.health_addr")
	_ = viper.BindEnv("gateway.insecure")
	_ = viper.BindEnv("gateway.auth_deadline")
	_ = viper.BindEnv("gateway.tls.cert")
	_ = viper.BindEnv("gateway.tls.key")

	_ = viper.BindEnv("agent.token")

	_ = viper.BindEnv("approval_timeout")
	_ = viper.BindEnv("rate_limit.max_pending_approvals")
	_ = viper.BindEnv("rate_limit.max_requests_per_minute")

	_ = viper.BindEnv("storage.type")
	_ = viper.BindEnv("storage.path")

	_ = viper.BindEnv("messenger.type")
	_ = viper.BindEnv("messenger.telegram.token")
	_ = viper.BindEnv("messenger.telegram.chat_id")

	_ = viper.BindEnv("permissions_file")

	_ = viper.BindEnv("logging.level")
	_ = viper.BindEnv("logging.format")
}

// LoadConfig reads the configuration file, applies environment overrides,
// substitutes ${VAR} references, sets defaults, and validates.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.substituteEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// envRefPattern matches ${VAR} and ${VAR:-default} references.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// SubstituteEnv expands ${VAR} and ${VAR:-default} references in a
// string from the process environment. Unset variables with no default
// expand to the empty string.
func SubstituteEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRefPattern.FindStringSubmatch(ref)
		if val, ok := os.LookupEnv(groups[1]); ok {
			return val
		}
		return groups[2]
	})
}

// substituteEnv applies SubstituteEnv to the credential-bearing string
// fields of the config.
func (c *Config) substituteEnv() {
	c.Agent.Token = SubstituteEnv(c.Agent.Token)
	c.Messenger.Telegram.Token = SubstituteEnv(c.Messenger.Telegram.Token)
	for name, svc := range c.Services {
		svc.URL = SubstituteEnv(svc.URL)
		svc.Auth.Token = SubstituteEnv(svc.Auth.Token)
		svc.Auth.Username = SubstituteEnv(svc.Auth.Username)
		svc.Auth.Password = SubstituteEnv(svc.Auth.Password)
		c.Services[name] = svc
	}
}
