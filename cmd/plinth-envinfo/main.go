// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Plinth-envinfo builds a process environment against a running
// parent, reports the composed sessions, and probes the heap with a
// real allocation before tearing everything down. It is the smoke
// test for a deployed parent: if envinfo exits cleanly, session
// grant, dataspace allocation, mapping, and teardown all work.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/plinth-foundation/plinth/lib/config"
	"github.com/plinth-foundation/plinth/lib/env"
	"github.com/plinth-foundation/plinth/lib/hostmap"
	"github.com/plinth-foundation/plinth/lib/parent"
	"github.com/plinth-foundation/plinth/lib/process"
	"github.com/plinth-foundation/plinth/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var socketPath string
	var probeSize uint64
	var showVersion bool

	flagSet := pflag.NewFlagSet("plinth-envinfo", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to plinth.yaml (default: PLINTH_CONFIG)")
	flagSet.StringVar(&socketPath, "socket", "", "parent socket path (overrides config)")
	flagSet.Uint64Var(&probeSize, "probe-size", 4096, "heap probe allocation in bytes")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("plinth-envinfo")
		return nil
	}

	cfg, err := loadConfig(configPath, socketPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	client := parent.NewClient(cfg.Parent.SocketPath, logger)
	environment, err := env.New(ctx, client, client, hostmap.Host{}, env.Options{
		HeapChunkSize:      cfg.Heap.ChunkSize,
		QuotaUpgradeAmount: cfg.Parent.QuotaUpgradeAmount,
	}, logger)
	if err != nil {
		return err
	}

	fmt.Printf("parent socket:  %s\n", cfg.Parent.SocketPath)
	fmt.Printf("RAM session:    %d\n", environment.RAMSessionCap().ID)
	fmt.Printf("CPU session:    %d\n", environment.CPUSessionCap().ID)
	fmt.Printf("PD session:     %d\n", environment.PDSessionCap().ID)

	block, err := environment.Heap().Alloc(ctx, probeSize)
	if err != nil {
		environment.Close(ctx)
		return fmt.Errorf("heap probe: %w", err)
	}
	for i := range block {
		block[i] = byte(i)
	}
	fmt.Printf("heap probe:     %d bytes at %p, heap size %d\n",
		len(block), &block[0], environment.Heap().Size())
	if err := environment.Heap().Free(ctx, block); err != nil {
		environment.Close(ctx)
		return fmt.Errorf("heap probe free: %w", err)
	}

	return environment.Close(ctx)
}

// loadConfig resolves configuration from flag, environment, or
// defaults. A bare --socket works without any config file.
func loadConfig(configPath, socketPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv("PLINTH_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.Parent.SocketPath = socketPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
