// Package main - persistence.go
//
// This file implements loading and saving of the bot configuration.
// Uses YAML (gopkg.in/yaml.v3); JSON files are accepted as well since JSON
// is a subset of YAML.
//
// Load Behavior:
//   - Values present in the file override the defaults from NewConfig
//   - Missing file: defaults are used, Validate then reports the missing regions
//   - Unparseable file: fatal *ConfigError naming the file
//
// Region definitions are required for the loop to start, so unlike the
// cookie/session data of a browser bot a broken file is never silently
// replaced by defaults.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config.yaml"

// LoadConfig reads the configuration from path on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		LogWarn("Config file %s not found, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Field: path, Reason: err.Error()}
	}
	if cfg.Regions == nil {
		cfg.Regions = make(map[string]RegionConfig)
	}

	LogInfo("Config loaded from %s (%d regions)", path, len(cfg.Regions))
	return cfg, nil
}

// LoadValidConfig loads and validates the configuration in one step.
func LoadValidConfig(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path with 2-space indentation.
func SaveConfig(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return err
	}

	LogInfo("Config saved to %s", path)
	return nil
}
