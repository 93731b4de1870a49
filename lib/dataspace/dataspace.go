// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package dataspace

import (
	"context"
	"errors"

	"github.com/plinth-foundation/plinth/lib/cap"
)

// ErrSizeUnknown is returned when a dataspace's true size cannot be
// determined, typically because the remote attribute query failed.
var ErrSizeUnknown = errors.New("dataspace: size unknown")

// Dataspace is a mappable memory object.
type Dataspace interface {
	// Size returns the object's true size in bytes. For remote
	// dataspaces this may involve a parent round trip; failure is
	// reported as an error wrapping ErrSizeUnknown.
	Size() (uint64, error)

	// Writable reports whether mappings of the object may be written.
	Writable() bool

	// PhysAddr returns the object's physical address, or 0 if the
	// object is not physically addressable. On the host emulation
	// only device-memory objects would ever report one.
	PhysAddr() uintptr

	// MapFd returns a file descriptor suitable for mmap of the
	// object's backing storage. The descriptor stays owned by the
	// dataspace; callers must not close it.
	MapFd() (int, error)
}

// Info carries the observable attributes of a remote dataspace, as
// reported by the parent's dataspace-info operation. Path names the
// backing object in the host filesystem (a /dev/shm file for RAM
// dataspaces); the child opens it itself.
type Info struct {
	Size     uint64 `cbor:"size"`
	Writable bool   `cbor:"writable"`
	PhysAddr uint64 `cbor:"phys_addr,omitempty"`
	Path     string `cbor:"path"`
}

// Resolver answers attribute queries for dataspace capabilities. The
// parent transport client implements it.
type Resolver interface {
	DataspaceInfo(ctx context.Context, ds cap.Dataspace) (Info, error)
}
