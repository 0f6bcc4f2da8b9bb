// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the application configuration from a YAML file and
// OVERSEER_* environment variables, with typed defaults and fail-fast
// validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration. It is instantiated by
// NewConfig() and passed to the components that need it.
type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	State     StateConfig     `mapstructure:"state"`
	Database  DatabaseConfig  `mapstructure:"database"`
	CLI       CLIConfig       `mapstructure:"cli"`
	Git       GitConfig       `mapstructure:"git"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"` // "console" or "json"
	Output  []LogOutputConfig `mapstructure:"output"`
	Levels  map[string]string `mapstructure:"levels"` // per-package overrides
	Context LogContextConfig  `mapstructure:"context"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs.
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// StateConfig selects and configures the work-order state backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "file", "postgres", or "sqlite"
	Dir     string `mapstructure:"dir"`     // for the file backend
}

// DatabaseConfig holds relational backend configuration. Only consulted when
// state.backend is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// CLIConfig holds the code-generating CLI executor configuration.
type CLIConfig struct {
	Path            string        `mapstructure:"path"`  // CLI binary path
	Model           string        `mapstructure:"model"` // model name passed via --model
	Verbose         bool          `mapstructure:"verbose"`
	MaxTurns        int           `mapstructure:"max_turns"` // 0 = unlimited (flag omitted)
	SkipPermissions bool          `mapstructure:"skip_permissions"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CommandsDir     string        `mapstructure:"commands_dir"`
}

// GitConfig holds sandbox filesystem configuration.
type GitConfig struct {
	TempBase   string `mapstructure:"temp_base"`
	BaseBranch string `mapstructure:"base_branch"`
}

// ArtifactsConfig toggles prompt and JSONL artifact capture.
type ArtifactsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LogPrompts bool   `mapstructure:"log_prompts"`
	Dir        string `mapstructure:"dir"`
}

// TelemetryConfig holds OTLP trace export configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // host:port of the OTLP/HTTP collector
}

// NewConfig creates a new AppConfig by reading from a file, environment
// variables, and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/overseer/")
		v.AddConfigPath("$HOME/.overseer")
	}

	v.SetEnvPrefix("OVERSEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The config file is optional; env vars and defaults may be enough.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values. This is more
// type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/overseer.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"workflow": "INFO",
				"sandbox":  "INFO",
				"git":      "INFO",
				"executor": "INFO",
				"store":    "INFO",
				"api":      "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
		},
		State: StateConfig{
			Backend: "memory",
			Dir:     "./state",
		},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		CLI: CLIConfig{
			Path:            "claude",
			Model:           "claude-sonnet-4-5",
			Verbose:         true,
			MaxTurns:        0,
			SkipPermissions: true,
			Timeout:         time.Hour,
			CommandsDir:     "./commands",
		},
		Git: GitConfig{
			TempBase:   "/tmp/agent-work-orders",
			BaseBranch: "main",
		},
		Artifacts: ArtifactsConfig{
			Enabled:    false,
			LogPrompts: false,
			Dir:        "./artifacts",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4318",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values.
func (c *AppConfig) expandPaths() {
	c.Git.TempBase = expandPath(c.Git.TempBase)
	c.State.Dir = expandPath(c.State.Dir)
	c.CLI.CommandsDir = expandPath(c.CLI.CommandsDir)
	c.Artifacts.Dir = expandPath(c.Artifacts.Dir)
}

func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid. Backend credential problems
// must surface here, at startup, not on first use.
func (c *AppConfig) validate() error {
	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.CLI.Path == "" {
		return errors.New("cli.path is required")
	}
	if c.CLI.Timeout <= 0 {
		return errors.New("cli.timeout must be positive")
	}
	if c.CLI.CommandsDir == "" {
		return errors.New("cli.commands_dir is required")
	}
	if c.Git.TempBase == "" {
		return errors.New("git.temp_base is required")
	}

	switch c.State.Backend {
	case "memory":
	case "file":
		if c.State.Dir == "" {
			return errors.New("state.dir is required for the file backend")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Username == "" || c.Database.Password == "" || c.Database.Database == "" {
			return errors.New("database host, username, password, and database are required for the postgres backend")
		}
	case "sqlite":
		if c.Database.Database == "" {
			return errors.New("database.database (file path) is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown state backend: %q", c.State.Backend)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// GetDSN returns the database connection string for the configured driver.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
