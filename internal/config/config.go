// Package config loads boltflow configuration from YAML with environment
// overrides. Layering order: defaults, then file, then BOLTFLOW_* env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full boltflow configuration.
type Config struct {
	// Workspace is the directory all file writes and commands are rooted in.
	Workspace string `yaml:"workspace"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	Replay  ReplayConfig  `yaml:"replay"`
	Logging LoggingConfig `yaml:"logging"`
}

// SandboxConfig controls the local sandbox runtime.
type SandboxConfig struct {
	// Shell is the binary used to run shell and start actions.
	Shell string `yaml:"shell"`

	// CommandTimeout caps shell action execution. Zero disables the cap.
	// Start actions are exempt: they stay alive after the ready signal.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxOutputBytes caps captured command output. Exceeding output is
	// truncated, not an error.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// ReadyPatterns are extra regexes that mark a start action's server as
	// up. They extend the built-in listening-address heuristics.
	ReadyPatterns []string `yaml:"ready_patterns"`
}

// ReplayConfig controls transcript feeding.
type ReplayConfig struct {
	// ChunkSize is how many bytes are pushed into the parser per step.
	// Zero means the whole transcript in one call.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkDelay inserts a pause between chunks (useful with --follow demos).
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Console switches from JSON to console encoding.
	Console bool `yaml:"console"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Workspace: ".",
		Sandbox: SandboxConfig{
			Shell:          "/bin/sh",
			CommandTimeout: 10 * time.Minute,
			MaxOutputBytes: 10 * 1024 * 1024,
		},
		Replay: ReplayConfig{
			ChunkSize: 4096,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, layered over Default and under env
// overrides. A missing file is not an error; an unreadable one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays BOLTFLOW_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("BOLTFLOW_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("BOLTFLOW_SHELL"); v != "" {
		c.Sandbox.Shell = v
	}
	if v := os.Getenv("BOLTFLOW_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sandbox.CommandTimeout = d
		}
	}
	if v := os.Getenv("BOLTFLOW_MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Sandbox.MaxOutputBytes = n
		}
	}
	if v := os.Getenv("BOLTFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if c.Sandbox.Shell == "" {
		return fmt.Errorf("sandbox.shell must not be empty")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Replay.ChunkSize < 0 {
		return fmt.Errorf("replay.chunk_size must not be negative")
	}
	return nil
}
