// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plinth.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
parent:
  socket_path: /tmp/test-parent.sock
heap:
  chunk_size: 131072
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Parent.SocketPath != "/tmp/test-parent.sock" {
		t.Errorf("socket path = %q", cfg.Parent.SocketPath)
	}
	if cfg.Heap.ChunkSize != 131072 {
		t.Errorf("chunk size = %d", cfg.Heap.ChunkSize)
	}
	// Untouched fields keep their defaults.
	if cfg.Parent.QuotaUpgradeAmount != "ram_quota=8K" {
		t.Errorf("upgrade amount = %q", cfg.Parent.QuotaUpgradeAmount)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("loading absent file succeeded")
	}
}

func TestLoadFileMalformed(t *testing.T) {
	path := writeConfig(t, "parent: [not a mapping")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("loading malformed YAML succeeded")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("PLINTH_CONFIG", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PLINTH_CONFIG") {
		t.Fatalf("Load without PLINTH_CONFIG: %v", err)
	}
}

func TestLoadUsesEnvVar(t *testing.T) {
	path := writeConfig(t, "heap:\n  chunk_size: 8192\n")
	t.Setenv("PLINTH_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heap.ChunkSize != 8192 {
		t.Errorf("chunk size = %d, want 8192", cfg.Heap.ChunkSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket", func(c *Config) { c.Parent.SocketPath = "" }},
		{"empty upgrade", func(c *Config) { c.Parent.QuotaUpgradeAmount = "" }},
		{"zero chunk", func(c *Config) { c.Heap.ChunkSize = 0 }},
		{"unaligned chunk", func(c *Config) { c.Heap.ChunkSize = 6000 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted bad config", tc.name)
		}
	}
}
