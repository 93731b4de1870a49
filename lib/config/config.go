// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Plinth components.
//
// Configuration is loaded from a single file specified by:
//   - PLINTH_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Plinth.
type Config struct {
	// Parent configures the connection to the resource owner.
	Parent ParentConfig `yaml:"parent"`

	// Heap configures the process heap.
	Heap HeapConfig `yaml:"heap"`
}

// ParentConfig configures the parent transport.
type ParentConfig struct {
	// SocketPath is the Unix socket the parent answers on.
	// Default: /run/plinth/parent.sock
	SocketPath string `yaml:"socket_path"`

	// QuotaUpgradeAmount is donated to the RAM session when it runs
	// out of metadata. Default: ram_quota=8K
	QuotaUpgradeAmount string `yaml:"quota_upgrade_amount"`
}

// HeapConfig configures the process heap.
type HeapConfig struct {
	// ChunkSize is the growth granularity in bytes. Must be a
	// multiple of the page size. Default: 65536
	ChunkSize uint64 `yaml:"chunk_size"`
}

const pageSize = 4096

// Default returns the default configuration. These defaults are a
// base before loading the config file, not a substitute for one.
func Default() *Config {
	return &Config{
		Parent: ParentConfig{
			SocketPath:         "/run/plinth/parent.sock",
			QuotaUpgradeAmount: "ram_quota=8K",
		},
		Heap: HeapConfig{
			ChunkSize: 65536,
		},
	}
}

// Load loads configuration from the PLINTH_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks - if PLINTH_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("PLINTH_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PLINTH_CONFIG environment variable not set; " +
			"set it to the path of your plinth.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Parent.SocketPath == "" {
		errs = append(errs, fmt.Errorf("parent.socket_path is required"))
	}
	if c.Parent.QuotaUpgradeAmount == "" {
		errs = append(errs, fmt.Errorf("parent.quota_upgrade_amount is required"))
	}
	if c.Heap.ChunkSize == 0 {
		errs = append(errs, fmt.Errorf("heap.chunk_size is required"))
	} else if c.Heap.ChunkSize%pageSize != 0 {
		errs = append(errs, fmt.Errorf("heap.chunk_size must be a multiple of %d", pageSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
