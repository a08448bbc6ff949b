// Package config provides configuration management for the harness.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration (SPEC_FULL.md §4.8
// expansion: environment variables beyond spec.md §6).
type Config struct {
	Oracle   OracleConfig
	Loop     LoopConfig
	Logging  LoggingConfig
	Registry RegistryConfig
	Server   ServerConfig
}

// OracleConfig holds the oracle client's credentials (spec.md §6).
type OracleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// LoopConfig holds the critic-loop and sandbox bounds (spec.md §4.2,
// §4.6).
type LoopConfig struct {
	MaxIterations      int
	NodeTimeoutSeconds int
}

// LoggingConfig holds logging configuration, named after the teacher's
// MBFLOW_LOG_LEVEL/MBFLOW_LOG_FORMAT (SPEC_FULL.md §4.8 expansion).
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// RegistryConfig holds the run registry's eviction grace period. The
// teacher hard-codes this; SPEC_FULL.md §9 makes it configurable.
type RegistryConfig struct {
	GraceSeconds int
}

// ServerConfig holds the run-control HTTP shell's bind address
// (SPEC_FULL.md §6 expansion).
type ServerConfig struct {
	Port int
	Host string
}

// Load loads the configuration from environment variables, reading a
// .env file first if present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Oracle: OracleConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o"),
		},
		Loop: LoopConfig{
			MaxIterations:      getEnvAsInt("MAX_ITERATIONS", 3),
			NodeTimeoutSeconds: getEnvAsInt("NODE_TIMEOUT_SECONDS", 30),
		},
		Logging: LoggingConfig{
			Level:  getEnv("MBFLOW_EVAL_LOG_LEVEL", "info"),
			Format: getEnv("MBFLOW_EVAL_LOG_FORMAT", "json"),
		},
		Registry: RegistryConfig{
			GraceSeconds: getEnvAsInt("MBFLOW_EVAL_REGISTRY_GRACE_SECONDS", 30),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("MBFLOW_EVAL_PORT", 8585),
			Host: getEnv("MBFLOW_EVAL_HOST", "0.0.0.0"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be at least 1")
	}

	if c.Loop.NodeTimeoutSeconds < 1 {
		return fmt.Errorf("NODE_TIMEOUT_SECONDS must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Registry.GraceSeconds < 0 {
		return fmt.Errorf("MBFLOW_EVAL_REGISTRY_GRACE_SECONDS cannot be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	return nil
}

// NodeTimeout returns the configured per-node timeout as a
// time.Duration.
func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.Loop.NodeTimeoutSeconds) * time.Second
}

// RegistryGrace returns the configured registry eviction grace period
// as a time.Duration.
func (c *Config) RegistryGrace() time.Duration {
	return time.Duration(c.Registry.GraceSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
