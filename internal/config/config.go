// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the per-project-root runtime configuration from
// <root>/.sg/config.yaml, creating a default file on first run. Unlike a
// home-directory global, the config is loaded per runtime instance so one
// process can host several independently rooted runtimes (tests do).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tunable surface of one runtime instance.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Arena    ArenaConfig    `yaml:"arena"`
	Fusion   FusionConfig   `yaml:"fusion"`
	Mutation MutationConfig `yaml:"mutation"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	Dir   string `yaml:"dir"`   // empty disables file logging
	JSON  bool   `yaml:"json"`
}

type SandboxConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ArenaConfig struct {
	ConvergenceWindowSeconds int `yaml:"convergence_window_seconds"`
	ResilienceWindowSeconds  int `yaml:"resilience_window_seconds"`
}

type FusionConfig struct {
	Threshold int `yaml:"threshold"`
}

type MutationConfig struct {
	// Engine selects the built-in engine: "fixture", "openai", or "none".
	Engine      string `yaml:"engine"`
	FixturesDir string `yaml:"fixtures_dir"`
	Model       string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key, so the
	// key itself never lands in the config file.
	APIKeyEnv string `yaml:"api_key_env"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Sandbox:  SandboxConfig{TimeoutSeconds: 30},
		Arena:    ArenaConfig{ConvergenceWindowSeconds: 30, ResilienceWindowSeconds: 3600},
		Fusion:   FusionConfig{Threshold: 10},
		Mutation: MutationConfig{Engine: "none", APIKeyEnv: "OPENAI_API_KEY"},
	}
}

// Path returns the config file location for a project root.
func Path(root string) string {
	return filepath.Join(root, ".sg", "config.yaml")
}

// Load reads <root>/.sg/config.yaml, writing the default file first if it
// does not exist yet.
func Load(root string) (Config, error) {
	path := Path(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return Config{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("config: write default: %w", err)
	}
	return nil
}

// SandboxTimeout converts the configured sandbox limit to a duration,
// falling back to the default when unset.
func (c Config) SandboxTimeout() time.Duration {
	if c.Sandbox.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

// ConvergenceWindow returns the configured convergence window.
func (c Config) ConvergenceWindow() time.Duration {
	if c.Arena.ConvergenceWindowSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Arena.ConvergenceWindowSeconds) * time.Second
}

// ResilienceWindow returns the configured resilience window.
func (c Config) ResilienceWindow() time.Duration {
	if c.Arena.ResilienceWindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Arena.ResilienceWindowSeconds) * time.Second
}
