// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SupervisorConfig holds the process-wide supervisor settings.
type SupervisorConfig struct {
	// CLIPath is the agent CLI executable to spawn.
	CLIPath string `mapstructure:"cliPath"`

	// Family selects the agent family ("claude" or "exec").
	Family string `mapstructure:"family"`

	// ApprovalTimeoutMS is how long a pending approval question waits for an
	// operator answer before it is auto-denied, in milliseconds.
	ApprovalTimeoutMS int `mapstructure:"approvalTimeoutMs"`

	// MaxSessions caps the number of sessions with a live agent process.
	MaxSessions int `mapstructure:"maxSessions"`

	// EventBufferSize is the per-session ring history capacity.
	EventBufferSize int `mapstructure:"eventBufferSize"`

	// SessionIndexPath overrides the agent family's default on-disk session
	// index location. Empty means use the family default.
	SessionIndexPath string `mapstructure:"sessionIndexPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ApprovalTimeout returns the approval timeout as a time.Duration.
func (s *SupervisorConfig) ApprovalTimeout() time.Duration {
	return time.Duration(s.ApprovalTimeoutMS) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.cliPath", "claude")
	v.SetDefault("supervisor.family", "claude")
	v.SetDefault("supervisor.approvalTimeoutMs", 300000)
	v.SetDefault("supervisor.maxSessions", 10)
	v.SetDefault("supervisor.eventBufferSize", 500)
	v.SetDefault("supervisor.sessionIndexPath", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	// stdout belongs to the tool-protocol stream, keep logs off it
	v.SetDefault("logging.outputPath", "stderr")
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMUX_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/agentmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from the config key naming.
	_ = v.BindEnv("supervisor.cliPath", "AGENTMUX_SUPERVISOR_CLI_PATH")
	_ = v.BindEnv("supervisor.approvalTimeoutMs", "AGENTMUX_SUPERVISOR_APPROVAL_TIMEOUT_MS")
	_ = v.BindEnv("supervisor.maxSessions", "AGENTMUX_SUPERVISOR_MAX_SESSIONS")
	_ = v.BindEnv("supervisor.eventBufferSize", "AGENTMUX_SUPERVISOR_EVENT_BUFFER_SIZE")
	_ = v.BindEnv("supervisor.sessionIndexPath", "AGENTMUX_SUPERVISOR_SESSION_INDEX_PATH")
	_ = v.BindEnv("logging.outputPath", "AGENTMUX_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Supervisor.CLIPath == "" {
		errs = append(errs, "supervisor.cliPath must not be empty")
	}
	switch cfg.Supervisor.Family {
	case "claude", "exec":
	default:
		errs = append(errs, fmt.Sprintf("supervisor.family must be claude or exec, got %q", cfg.Supervisor.Family))
	}
	if cfg.Supervisor.ApprovalTimeoutMS <= 0 {
		errs = append(errs, "supervisor.approvalTimeoutMs must be positive")
	}
	if cfg.Supervisor.MaxSessions <= 0 {
		errs = append(errs, "supervisor.maxSessions must be positive")
	}
	if cfg.Supervisor.EventBufferSize <= 0 {
		errs = append(errs, "supervisor.eventBufferSize must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
