// Package config provides configuration management for Leon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Leon.
type Config struct {
	Home       string           `mapstructure:"home"`
	Server     ServerConfig     `mapstructure:"server"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker sandbox provider configuration.
type DockerConfig struct {
	// Enabled controls whether the Docker provider is registered.
	// When true and the daemon is reachable, threads may request docker sandboxes.
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultImage   string `mapstructure:"defaultImage"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// AgentConfig holds agent loop configuration.
type AgentConfig struct {
	// DefaultModel is the model identifier used when a thread does not specify one.
	DefaultModel string `mapstructure:"defaultModel"`

	// MaxToolWorkers caps parallel tool dispatch within a single loop iteration.
	MaxToolWorkers int `mapstructure:"maxToolWorkers"`
}

// MemoryConfig holds context-management configuration.
type MemoryConfig struct {
	// ContextThreshold is the fraction of the model context limit at which
	// compaction triggers.
	ContextThreshold float64 `mapstructure:"contextThreshold"`
}

// SupervisorConfig holds run supervisor configuration.
type SupervisorConfig struct {
	// RingCapacity is the bounded event-buffer size per active run.
	RingCapacity int `mapstructure:"ringCapacity"`

	// CancelGraceSeconds bounds how long a cancelled producer may take to
	// wind down before it is forcibly interrupted.
	CancelGraceSeconds int `mapstructure:"cancelGraceSeconds"`

	// EventRetentionSeconds controls how long finished runs' events other
	// than the latest run's are kept before post-run cleanup drops them.
	EventRetentionSeconds int `mapstructure:"eventRetentionSeconds"`
}

// ResolverConfig holds resource resolver and reconciler configuration.
type ResolverConfig struct {
	ReconcileIntervalMs    int     `mapstructure:"reconcileIntervalMs"`
	ConvergeTimeoutSeconds int     `mapstructure:"convergeTimeoutSeconds"`
	OrphanScanSeconds      int     `mapstructure:"orphanScanSeconds"`
	SessionIdleTTLSeconds  int     `mapstructure:"sessionIdleTtlSeconds"`
	SessionMaxWallSeconds  int     `mapstructure:"sessionMaxWallSeconds"`
	SessionMaxCostUSD      float64 `mapstructure:"sessionMaxCostUsd"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DBPath returns the path of the embedded database file under LEON_HOME.
func (c *Config) DBPath() string {
	return filepath.Join(c.Home, "leon.db")
}

// PolicyPath returns the path of the command-hook policy file under LEON_HOME.
func (c *Config) PolicyPath() string {
	return filepath.Join(c.Home, "policy.yaml")
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CancelGrace returns the producer cancellation grace period.
func (s *SupervisorConfig) CancelGrace() time.Duration {
	return time.Duration(s.CancelGraceSeconds) * time.Second
}

// EventRetention returns the event retention window.
func (s *SupervisorConfig) EventRetention() time.Duration {
	return time.Duration(s.EventRetentionSeconds) * time.Second
}

// ReconcileInterval returns the reconciler tick interval.
func (r *ResolverConfig) ReconcileInterval() time.Duration {
	return time.Duration(r.ReconcileIntervalMs) * time.Millisecond
}

// ConvergeTimeout returns how long a caller waits for a lease to converge.
func (r *ResolverConfig) ConvergeTimeout() time.Duration {
	return time.Duration(r.ConvergeTimeoutSeconds) * time.Second
}

// OrphanScanInterval returns the orphan-scan period.
func (r *ResolverConfig) OrphanScanInterval() time.Duration {
	return time.Duration(r.OrphanScanSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("LEON_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".leon")
	}
	return ".leon"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "leon-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "ubuntu:24.04")
	v.SetDefault("docker.defaultNetwork", "")

	// Agent defaults
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.maxToolWorkers", 10)

	// Memory defaults
	v.SetDefault("memory.contextThreshold", 0.70)

	// Supervisor defaults
	v.SetDefault("supervisor.ringCapacity", 1024)
	v.SetDefault("supervisor.cancelGraceSeconds", 5)
	v.SetDefault("supervisor.eventRetentionSeconds", 86400)

	// Resolver defaults
	v.SetDefault("resolver.reconcileIntervalMs", 2000)
	v.SetDefault("resolver.convergeTimeoutSeconds", 60)
	v.SetDefault("resolver.orphanScanSeconds", 300)
	v.SetDefault("resolver.sessionIdleTtlSeconds", 1800)
	v.SetDefault("resolver.sessionMaxWallSeconds", 14400)
	v.SetDefault("resolver.sessionMaxCostUsd", 10.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LEON_ with snake_case naming.
// Config file should be named config.yaml and placed in LEON_HOME or the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LEON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the documented env var name differs from the
	// config key path. AutomaticEnv does not handle camelCase to SNAKE_CASE
	// conversion, so keys with camelCase segments are bound by hand.
	_ = v.BindEnv("home", "LEON_HOME")
	_ = v.BindEnv("agent.defaultModel", "LEON_DEFAULT_MODEL")
	_ = v.BindEnv("agent.maxToolWorkers", "LEON_MAX_TOOL_WORKERS")
	_ = v.BindEnv("memory.contextThreshold", "LEON_CONTEXT_THRESHOLD")
	_ = v.BindEnv("supervisor.ringCapacity", "LEON_RING_CAPACITY")
	_ = v.BindEnv("supervisor.cancelGraceSeconds", "LEON_CANCEL_GRACE_SECONDS")
	_ = v.BindEnv("supervisor.eventRetentionSeconds", "LEON_EVENT_RETENTION_SECONDS")
	_ = v.BindEnv("resolver.reconcileIntervalMs", "LEON_RECONCILE_INTERVAL_MS")
	_ = v.BindEnv("resolver.convergeTimeoutSeconds", "LEON_CONVERGE_TIMEOUT_SECONDS")
	_ = v.BindEnv("docker.defaultImage", "LEON_DOCKER_DEFAULT_IMAGE")
	_ = v.BindEnv("logging.outputPath", "LEON_LOG_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if home := v.GetString("home"); home != "" {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Home == "" {
		errs = append(errs, "home must not be empty")
	}

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Memory.ContextThreshold <= 0 || cfg.Memory.ContextThreshold > 1 {
		errs = append(errs, "memory.contextThreshold must be in (0, 1]")
	}

	if cfg.Supervisor.RingCapacity <= 0 {
		errs = append(errs, "supervisor.ringCapacity must be positive")
	}
	if cfg.Supervisor.CancelGraceSeconds <= 0 {
		errs = append(errs, "supervisor.cancelGraceSeconds must be positive")
	}

	if cfg.Resolver.ReconcileIntervalMs <= 0 {
		errs = append(errs, "resolver.reconcileIntervalMs must be positive")
	}
	if cfg.Resolver.ConvergeTimeoutSeconds <= 0 {
		errs = append(errs, "resolver.convergeTimeoutSeconds must be positive")
	}

	if cfg.Agent.MaxToolWorkers <= 0 {
		errs = append(errs, "agent.maxToolWorkers must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// EnsureHome creates the LEON_HOME directory if it does not exist.
func (c *Config) EnsureHome() error {
	return os.MkdirAll(c.Home, 0o755)
}
