// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package hostmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Request describes one host mapping call.
type Request struct {
	// FD is the descriptor of the dataspace's backing object.
	FD int

	// Size is the mapping length in bytes.
	Size uint64

	// Offset is the byte offset into the backing object.
	Offset int64

	// Addr is the target address. 0 lets the kernel choose.
	Addr uintptr

	// Fixed demands the mapping land exactly at Addr.
	Fixed bool

	// Replace allows a fixed mapping to replace whatever is already
	// at Addr. Set only when the caller owns the range (populating a
	// reservation); otherwise a fixed mapping refuses to displace
	// foreign mappings and fails instead.
	Replace bool

	// Writable and Executable select the mapping protection. Read
	// access is always granted.
	Writable   bool
	Executable bool
}

// MapError reports a failed host mapping call with enough context for
// the caller to log it usefully.
type MapError struct {
	Op   string
	Addr uintptr
	Size uint64
	Err  error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("hostmap: %s at %#x size %#x: %v", e.Op, e.Addr, e.Size, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

// Host issues real mmap-family system calls. The zero value is ready
// to use; lib/rm accepts it through its Mapper interface so tests can
// substitute a fake.
type Host struct{}

// Map maps the backing object described by req into the process and
// returns the mapping's address. The mapping is shared: stores reach
// the backing object, as dataspace semantics require.
func (Host) Map(req Request) (uintptr, error) {
	prot := unix.PROT_READ
	if req.Writable {
		prot |= unix.PROT_WRITE
	}
	if req.Executable {
		prot |= unix.PROT_EXEC
	}

	flags := unix.MAP_SHARED
	if req.Fixed {
		if req.Replace {
			flags |= unix.MAP_FIXED
		} else {
			// Refuse to displace a mapping we do not own. The kernel
			// reports EEXIST and the caller sees a MapError instead of
			// a silently corrupted address space.
			flags |= unix.MAP_FIXED_NOREPLACE
		}
	}

	addr, err := mmap(req.Addr, req.Size, prot, flags, req.FD, req.Offset)
	if err != nil {
		return 0, &MapError{Op: "map", Addr: req.Addr, Size: req.Size, Err: err}
	}
	return addr, nil
}

// Reserve claims an address range without populating it: an anonymous
// PROT_NONE mapping. Any access faults until the range is filled by
// fixed mappings. Used for managed sub-session windows. addr 0 lets
// the kernel place the reservation.
//
// With replace set, the reservation overwrites whatever is at addr.
// Sub-sessions use this on detach to punch PROT_NONE back over a
// region inside their own window, so the window stays reserved rather
// than leaving a hole the kernel could hand out to anyone.
func (Host) Reserve(addr uintptr, size uint64, fixed, replace bool) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if fixed {
		if replace {
			flags |= unix.MAP_FIXED
		} else {
			flags |= unix.MAP_FIXED_NOREPLACE
		}
	}

	got, err := mmap(addr, size, unix.PROT_NONE, flags, -1, 0)
	if err != nil {
		return 0, &MapError{Op: "reserve", Addr: addr, Size: size, Err: err}
	}
	return got, nil
}

// Unmap removes size bytes of mappings starting at addr. It releases
// ordinary mappings and reservations alike.
func (Host) Unmap(addr uintptr, size uint64) error {
	if err := unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size)); err != nil {
		return &MapError{Op: "unmap", Addr: addr, Size: size, Err: err}
	}
	return nil
}

// mmap is the raw call. Separated so Map and Reserve share the
// pointer plumbing.
func mmap(addr uintptr, size uint64, prot, flags, fd int, offset int64) (uintptr, error) {
	var hint unsafe.Pointer
	if addr != 0 {
		hint = unsafe.Pointer(addr)
	}
	ret, err := unix.MmapPtr(fd, offset, hint, uintptr(size), prot, flags)
	if err != nil {
		return 0, err
	}
	return uintptr(ret), nil
}
