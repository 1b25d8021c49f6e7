// Package config provides configuration management for CAM.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for CAM.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Repos    ReposConfig    `mapstructure:"repos"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration. Port is also used when
// composing the completion-hook callback URL handed to agents.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the durable-store configuration.
// Driver "sqlite3" uses Path; driver "pgx" uses DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig holds event-bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TerminalConfig holds PTY session manager configuration.
type TerminalConfig struct {
	MaxSessionsPerUser int `mapstructure:"maxSessionsPerUser"`
	IdleTimeoutMinutes int `mapstructure:"idleTimeoutMinutes"`
	AgentIdleHours     int `mapstructure:"agentIdleHours"`
}

// PipelineConfig holds pipeline engine configuration.
type PipelineConfig struct {
	FinishedSessionTTLMinutes  int `mapstructure:"finishedSessionTtlMinutes"`
	FinishedPipelineTTLMinutes int `mapstructure:"finishedPipelineTtlMinutes"`
	CancelTimeoutSeconds       int `mapstructure:"cancelTimeoutSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentsConfig holds agent registry configuration.
type AgentsConfig struct {
	// DefinitionsFile points at an optional YAML file with additional
	// agent definitions merged over the built-ins.
	DefinitionsFile string `mapstructure:"definitionsFile"`
}

// ReposConfig holds repository path resolution configuration.
type ReposConfig struct {
	// BaseDir is where repos are resolved by URL-derived name.
	// The CAM_REPOS_DIR environment variable takes precedence.
	BaseDir string `mapstructure:"baseDir"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the default PTY idle timeout.
func (t *TerminalConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMinutes) * time.Minute
}

// AgentIdleTimeout returns the idle timeout applied to agent sessions.
func (t *TerminalConfig) AgentIdleTimeout() time.Duration {
	return time.Duration(t.AgentIdleHours) * time.Hour
}

// FinishedSessionTTL returns how long finished session metadata is retained.
func (p *PipelineConfig) FinishedSessionTTL() time.Duration {
	return time.Duration(p.FinishedSessionTTLMinutes) * time.Minute
}

// FinishedPipelineTTL returns how long finished pipelines are retained.
func (p *PipelineConfig) FinishedPipelineTTL() time.Duration {
	return time.Duration(p.FinishedPipelineTTLMinutes) * time.Minute
}

// CancelTimeout returns the grace window between interrupt and forced destroy.
func (p *PipelineConfig) CancelTimeout() time.Duration {
	return time.Duration(p.CancelTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CAM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "cam.db")
	v.SetDefault("database.dsn", "")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("terminal.maxSessionsPerUser", 5)
	v.SetDefault("terminal.idleTimeoutMinutes", 30)
	v.SetDefault("terminal.agentIdleHours", 4)

	v.SetDefault("pipeline.finishedSessionTtlMinutes", 10)
	v.SetDefault("pipeline.finishedPipelineTtlMinutes", 30)
	v.SetDefault("pipeline.cancelTimeoutSeconds", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("agents.definitionsFile", "")
	v.SetDefault("repos.baseDir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CAM_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.port", "PORT", "CAM_SERVER_PORT")
	_ = v.BindEnv("repos.baseDir", "CAM_REPOS_DIR", "CAM_REPOS_BASE_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cam/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	if cfg.Terminal.MaxSessionsPerUser <= 0 {
		errs = append(errs, "terminal.maxSessionsPerUser must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
