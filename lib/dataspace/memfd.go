// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package dataspace

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Memfd is an in-process dataspace backed by an anonymous memory file
// (memfd_create). The object lives entirely outside the Go heap; its
// size is known locally, so attaching one never needs a parent round
// trip.
//
// A Memfd must be closed when no longer needed. Mappings made from it
// survive the close (the kernel keeps the backing object alive until
// the last mapping is gone), matching dataspace semantics: the handle
// and the mappings have independent lifetimes.
type Memfd struct {
	mu       sync.Mutex
	fd       int
	size     uint64
	writable bool
	closed   bool
}

// NewMemfd creates an anonymous memory object of the given size. The
// name appears in /proc/self/fd for diagnostics only and carries no
// identity.
func NewMemfd(name string, size uint64) (*Memfd, error) {
	if size == 0 {
		return nil, fmt.Errorf("dataspace: memfd size must be positive")
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dataspace: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dataspace: sizing memfd %q to %d: %w", name, size, err)
	}

	return &Memfd{fd: fd, size: size, writable: true}, nil
}

// Size returns the object's size. Always known locally.
func (m *Memfd) Size() (uint64, error) { return m.size, nil }

// Writable reports whether the object accepts writable mappings.
func (m *Memfd) Writable() bool { return m.writable }

// PhysAddr returns 0: anonymous memory is not physically addressable.
func (m *Memfd) PhysAddr() uintptr { return 0 }

// MapFd returns the memfd descriptor. The descriptor remains owned by
// the Memfd and is closed by Close.
func (m *Memfd) MapFd() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return -1, fmt.Errorf("dataspace: memfd is closed")
	}
	return m.fd, nil
}

// Close releases the descriptor. Idempotent.
func (m *Memfd) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := unix.Close(m.fd); err != nil {
		return fmt.Errorf("dataspace: closing memfd: %w", err)
	}
	return nil
}
