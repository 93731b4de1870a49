// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package env composes a process's runtime environment from
// parent-granted resources: RAM, CPU, and protection-domain sessions,
// a root region-manager session over the host address space, and a
// dataspace-backed heap. Session requests for the region-manager
// service never leave the process; the Interceptor satisfies them
// locally.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/heap"
	"github.com/plinth-foundation/plinth/lib/parent"
	"github.com/plinth-foundation/plinth/lib/ram"
	"github.com/plinth-foundation/plinth/lib/rm"
)

// ErrUnsupported marks operations the host emulation cannot provide.
var ErrUnsupported = errors.New("env: operation not supported on host")

// Options tunes environment construction. The zero value works.
type Options struct {
	// HeapChunkSize is the heap growth granularity; zero selects the
	// heap default.
	HeapChunkSize uint64
	// QuotaUpgradeAmount is donated when the RAM session runs out of
	// metadata; empty selects the ram default.
	QuotaUpgradeAmount string
	// SessionArgs overrides the argument strings of the initial
	// session requests, keyed by service name.
	SessionArgs map[string]string
}

// Environment is the per-process resource facade. Construct it once
// with New; the accessors are read-only and safe for concurrent use
// after that.
type Environment struct {
	transport *Interceptor
	logger    *slog.Logger

	ramSession cap.Session
	cpuSession cap.Session
	pdSession  cap.Session

	ramClient *ram.ExpandingClient
	rootRM    *rm.Session
	procHeap  *heap.Heap

	mu     sync.Mutex
	closed bool
}

// ramBacking adapts the expanding RAM client to the heap's backing
// interface, resolving allocated capabilities into mappable
// dataspaces.
type ramBacking struct {
	ram      *ram.ExpandingClient
	resolver dataspace.Resolver
}

func (b ramBacking) Alloc(ctx context.Context, size uint64) (dataspace.Dataspace, cap.Dataspace, error) {
	capability, err := b.ram.Alloc(ctx, size, true)
	if err != nil {
		return nil, cap.Dataspace{}, err
	}
	return dataspace.NewRemote(capability, b.resolver), capability, nil
}

func (b ramBacking) Free(ctx context.Context, ds cap.Dataspace) error {
	return b.ram.Free(ctx, ds)
}

// New builds the environment: sessions first, then the root region
// map, then the heap on top of both. upstream is the real parent
// transport; resolver turns its dataspace capabilities into mappable
// objects (the parent client serves as both).
func New(ctx context.Context, upstream parent.Transport, resolver dataspace.Resolver, mapper rm.Mapper, opts Options, logger *slog.Logger) (*Environment, error) {
	transport := NewInterceptor(upstream, mapper, logger)

	e := &Environment{
		transport: transport,
		logger:    logger,
	}

	var err error
	e.ramSession, err = transport.RequestSession(ctx, parent.ServiceRAM, opts.sessionArgs(parent.ServiceRAM))
	if err != nil {
		return nil, fmt.Errorf("env: requesting RAM session: %w", err)
	}
	e.cpuSession, err = transport.RequestSession(ctx, parent.ServiceCPU, opts.sessionArgs(parent.ServiceCPU))
	if err != nil {
		e.closeSessions(ctx)
		return nil, fmt.Errorf("env: requesting CPU session: %w", err)
	}
	e.pdSession, err = transport.RequestSession(ctx, parent.ServicePD, opts.sessionArgs(parent.ServicePD))
	if err != nil {
		e.closeSessions(ctx)
		return nil, fmt.Errorf("env: requesting PD session: %w", err)
	}

	e.ramClient = ram.NewExpandingClient(transport, e.ramSession, opts.QuotaUpgradeAmount, logger)
	e.rootRM = rm.NewRoot(mapper, logger)

	// The heap comes last: it allocates through the RAM client and
	// attaches through the root session.
	e.procHeap = heap.New(ramBacking{ram: e.ramClient, resolver: resolver},
		e.rootRM, opts.HeapChunkSize, logger)

	return e, nil
}

func (o Options) sessionArgs(service string) string {
	if o.SessionArgs == nil {
		return ""
	}
	return o.SessionArgs[service]
}

// Parent returns the transport, with region-manager interception in
// place.
func (e *Environment) Parent() parent.Transport { return e.transport }

// Interceptor returns the transport with its local-session resolver
// exposed.
func (e *Environment) Interceptor() *Interceptor { return e.transport }

// RAMSessionCap returns the RAM session capability.
func (e *Environment) RAMSessionCap() cap.Session { return e.ramSession }

// CPUSessionCap returns the CPU session capability.
func (e *Environment) CPUSessionCap() cap.Session { return e.cpuSession }

// PDSessionCap returns the protection-domain session capability.
func (e *Environment) PDSessionCap() cap.Session { return e.pdSession }

// RAM returns the quota-expanding allocator over the RAM session.
func (e *Environment) RAM() *ram.ExpandingClient { return e.ramClient }

// RM returns the root region-manager session.
func (e *Environment) RM() *rm.Session { return e.rootRM }

// Heap returns the process heap.
func (e *Environment) Heap() *heap.Heap { return e.procHeap }

// ReloadParentCap re-reads the parent capability after a checkpoint
// restore. No such mechanism exists on the host; callers get
// ErrUnsupported and carry on with the live socket.
func (e *Environment) ReloadParentCap() error {
	return ErrUnsupported
}

// Close tears the environment down in reverse construction order:
// heap, root session, granted sessions, then an orderly exit(0)
// signal to the parent. Idempotent.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var firstErr error
	if err := e.procHeap.Close(ctx); err != nil {
		firstErr = err
	}
	if err := e.rootRM.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.closeSessions(ctx)

	if err := e.transport.Exit(ctx, 0); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Environment) closeSessions(ctx context.Context) {
	for _, session := range []cap.Session{e.pdSession, e.cpuSession, e.ramSession} {
		if !session.Valid() {
			continue
		}
		if err := e.transport.CloseSession(ctx, session); err != nil {
			e.logger.Warn("closing session", "id", session.ID, "error", err)
		}
	}
}
