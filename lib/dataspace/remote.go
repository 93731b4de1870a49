// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package dataspace

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/plinth-foundation/plinth/lib/cap"
)

// Remote is a dataspace owned by the parent, referenced by capability.
// Attributes are fetched through the resolver on first use and cached;
// the backing object is opened by path when a mapping descriptor is
// first needed.
//
// Remote methods take no context because this layer has no
// cancellation concept: attribute queries either complete or fail
// within the transport's own timeouts.
type Remote struct {
	capability cap.Dataspace
	resolver   Resolver

	mu       sync.Mutex
	resolved bool
	info     Info
	fd       int
	haveFd   bool
}

// NewRemote wraps a dataspace capability obtained from a live session.
func NewRemote(capability cap.Dataspace, resolver Resolver) *Remote {
	return &Remote{capability: capability, resolver: resolver, fd: -1}
}

// Capability returns the wrapped handle.
func (r *Remote) Capability() cap.Dataspace { return r.capability }

// Size queries the parent for the object's size (cached after the
// first call). A failed query wraps ErrSizeUnknown.
func (r *Remote) Size() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.resolveLocked(); err != nil {
		return 0, err
	}
	return r.info.Size, nil
}

// Writable reports the parent-declared writability. Before the first
// successful attribute query it conservatively reports false.
func (r *Remote) Writable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.resolveLocked(); err != nil {
		return false
	}
	return r.info.Writable
}

// PhysAddr returns the parent-declared physical address, 0 if the
// object is not physically addressable or attributes are unknown.
func (r *Remote) PhysAddr() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.resolveLocked(); err != nil {
		return 0
	}
	return uintptr(r.info.PhysAddr)
}

// MapFd opens the backing object named by the parent and returns its
// descriptor. The descriptor is cached and owned by the Remote.
func (r *Remote) MapFd() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haveFd {
		return r.fd, nil
	}
	if err := r.resolveLocked(); err != nil {
		return -1, err
	}

	mode := unix.O_RDWR
	if !r.info.Writable {
		mode = unix.O_RDONLY
	}
	fd, err := unix.Open(r.info.Path, mode|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dataspace: opening backing object %s: %w", r.info.Path, err)
	}

	r.fd = fd
	r.haveFd = true
	return fd, nil
}

// Close releases the cached descriptor, if one was opened. The
// capability itself stays with the owning session.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveFd {
		return nil
	}
	r.haveFd = false
	if err := unix.Close(r.fd); err != nil {
		return fmt.Errorf("dataspace: closing backing descriptor: %w", err)
	}
	return nil
}

// resolveLocked fetches and caches the attribute record. Caller holds
// r.mu.
func (r *Remote) resolveLocked() error {
	if r.resolved {
		return nil
	}
	info, err := r.resolver.DataspaceInfo(context.Background(), r.capability)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSizeUnknown, err)
	}
	r.info = info
	r.resolved = true
	return nil
}
