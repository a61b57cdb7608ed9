// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads bridge settings from an optional YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds bridge settings.
type Config struct {
	// ListenAddr is the extension WebSocket listen address.
	ListenAddr string `yaml:"listen_addr"`

	// OutputDir receives CSV/JSON exports whose filename carries no
	// path separator. Defaults to the user's Desktop, matching the
	// extension's documented behavior.
	OutputDir string `yaml:"output_dir"`

	// TimeoutsMs overrides the per-operation dispatch timeout, keyed by
	// operation kind (e.g. navigate_to: 45000). Unlisted operations use
	// their built-in budgets.
	TimeoutsMs map[string]int `yaml:"timeouts_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		ListenAddr: "127.0.0.1:8765",
		OutputDir:  filepath.Join(home, "Desktop"),
		TimeoutsMs: map[string]int{},
	}
}

// Load reads the config file at path, if present, and applies
// environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if addr := os.Getenv("BROWSEHAND_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dir := os.Getenv("BROWSEHAND_OUTPUT_DIR"); dir != "" {
		cfg.OutputDir = dir
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8765"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = Default().OutputDir
	}

	return cfg, nil
}

// Timeout returns the configured timeout for op, or fallback when no
// override is set.
func (c *Config) Timeout(op string, fallback time.Duration) time.Duration {
	if ms, ok := c.TimeoutsMs[op]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "browsehand", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "browsehand", "config.yaml")
}
