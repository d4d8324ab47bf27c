// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the messaging network the worker connects to.
type Environment string

const (
	// Local is the in-process network backend. No remote endpoints,
	// state lives entirely under the data directory.
	Local Environment = "local"
	// Dev is the hosted development network.
	Dev Environment = "dev"
	// Production is the hosted production network.
	Production Environment = "production"
)

// Config is the worker configuration.
//
// The worker is normally spawned by a host application that passes
// flags, so the config file is optional: flags win over file values,
// file values win over defaults. The HEAVEN_CHAT_ENV environment
// variable, when set, overrides the configured environment.
type Config struct {
	// Environment is the default network environment used when an
	// init request does not name one.
	Environment Environment `yaml:"environment"`

	// DataDir is where per-identity databases and the master key file
	// live. Created on first init if missing.
	DataDir string `yaml:"data_dir"`

	// SignTimeout is how long a signature request may stay pending
	// before the waiting operation fails. Duration string, e.g. "30s".
	SignTimeout string `yaml:"sign_timeout"`

	// HistoryLimit is the default message count for loadMessages when
	// the request does not specify one.
	HistoryLimit int `yaml:"history_limit"`

	// StreamBuffer is the per-subscription channel capacity for
	// message streaming. A subscriber that falls further behind than
	// this drops messages rather than blocking senders.
	StreamBuffer int `yaml:"stream_buffer"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Per-environment overrides, applied after the base config.
	Local      *Overrides `yaml:"local,omitempty"`
	Dev        *Overrides `yaml:"dev,omitempty"`
	Production *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
// Empty fields leave the base value in place.
type Overrides struct {
	DataDir      string `yaml:"data_dir,omitempty"`
	SignTimeout  string `yaml:"sign_timeout,omitempty"`
	HistoryLimit int    `yaml:"history_limit,omitempty"`
	StreamBuffer int    `yaml:"stream_buffer,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty"`
}

// Default returns the default configuration. These defaults make the
// worker usable with no config file at all: local backend, state under
// the user's data directory, 30 second signing window.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment:  Local,
		DataDir:      filepath.Join(homeDir, ".local", "share", "heaven", "chat"),
		SignTimeout:  "30s",
		HistoryLimit: 50,
		StreamBuffer: 256,
		LogLevel:     "info",
	}
}

// Load loads configuration from the HEAVEN_CHAT_CONFIG environment
// variable if set, otherwise returns defaults.
func Load() (*Config, error) {
	return load(os.Getenv("HEAVEN_CHAT_CONFIG"), "")
}

// LoadFile loads configuration from a specific file path, merging over
// defaults. The HEAVEN_CHAT_ENV environment variable, when set,
// overrides the file's environment before per-environment overrides
// are applied. The only other expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	return load(path, "")
}

// FromFlags loads configuration for the worker: the file at configPath
// (falling back to HEAVEN_CHAT_CONFIG, then defaults), with the
// environment forced to env when non-empty. A flag environment wins
// over both the file and HEAVEN_CHAT_ENV, and the matching
// per-environment override block is applied only after the final
// environment is known.
func FromFlags(configPath, env string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("HEAVEN_CHAT_CONFIG")
	}
	return load(configPath, env)
}

func load(path, flagEnv string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if flagEnv != "" {
		cfg.Environment = Environment(flagEnv)
	} else {
		cfg.applyEnvironmentVariable()
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentVariable lets HEAVEN_CHAT_ENV pick the environment,
// matching how the host application selects networks without rewriting
// the config file.
func (c *Config) applyEnvironmentVariable() {
	if env := os.Getenv("HEAVEN_CHAT_ENV"); env != "" {
		c.Environment = Environment(env)
	}
}

// applyEnvironmentOverrides applies the section matching the active
// environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Local:
		overrides = c.Local
	case Dev:
		overrides = c.Dev
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.DataDir != "" {
		c.DataDir = overrides.DataDir
	}
	if overrides.SignTimeout != "" {
		c.SignTimeout = overrides.SignTimeout
	}
	if overrides.HistoryLimit != 0 {
		c.HistoryLimit = overrides.HistoryLimit
	}
	if overrides.StreamBuffer != 0 {
		c.StreamBuffer = overrides.StreamBuffer
	}
	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// data directory.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.DataDir = expandVars(c.DataDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Local && c.Environment != Dev && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if _, err := time.ParseDuration(c.SignTimeout); err != nil {
		errs = append(errs, fmt.Errorf("invalid sign_timeout: %w", err))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit))
	}
	if c.StreamBuffer <= 0 {
		errs = append(errs, fmt.Errorf("stream_buffer must be positive, got %d", c.StreamBuffer))
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SignTimeoutDuration returns the parsed sign_timeout. Call Validate
// first; an unparseable value falls back to 30 seconds here rather
// than panicking.
func (c *Config) SignTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.SignTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SlogLevel returns the slog level for the configured log_level. Call
// Validate first; an unknown value falls back to info here.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log_level %q (want debug, info, warn, or error)", s)
	}
}
