// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package rm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/hostmap"
	"github.com/plinth-foundation/plinth/lib/region"
)

// pageSize is the placement granularity for first-fit address
// selection inside a sub-session window. Mapping granularity itself is
// the kernel's.
const pageSize = 4096

var (
	// ErrAlreadyAttached is returned when a sub-range session is
	// attached while it is already mapped somewhere. A managed window
	// has at most one location; remapping requires an explicit detach
	// first, never a silent move.
	ErrAlreadyAttached = errors.New("rm: sub-range session is already attached")

	// ErrNestedManaged is returned when a managed dataspace is
	// attached to a session that is itself a sub-range. Nesting is one
	// level deep: windows live in the root address space only.
	ErrNestedManaged = errors.New("rm: managed dataspace cannot nest inside a sub-range session")

	// ErrNotAttached is returned when a sub-range session is asked to
	// attach before it has been placed in a parent, so it has no
	// window to place mappings in.
	ErrNotAttached = errors.New("rm: sub-range session has no window yet")

	// ErrNotManageable is returned when a root session's dataspace
	// view is used as an attach argument. Only sub-range sessions
	// describe a bounded window that can be reserved.
	ErrNotManageable = errors.New("rm: root session is not attachable as a dataspace")

	// ErrOutsideWindow is returned for a fixed-address attach that
	// does not fit inside the sub-range session's reserved window.
	ErrOutsideWindow = errors.New("rm: fixed address outside reserved window")

	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("rm: session is closed")
)

// Mapper is the host mapping primitive a session drives. hostmap.Host
// is the real implementation; tests substitute a recording fake.
type Mapper interface {
	Map(req hostmap.Request) (uintptr, error)
	Reserve(addr uintptr, size uint64, fixed, replace bool) (uintptr, error)
	Unmap(addr uintptr, size uint64) error
}

// State mirrors the fault-state record a kernel-native region-manager
// session would report. The host emulation delegates paging to the
// host kernel and tracks no fault machine, so State() is always the
// zero value.
type State struct {
	Faulted   bool
	FaultAddr uintptr
	Write     bool
}

// AttachOptions control one Attach call.
type AttachOptions struct {
	// Size is the number of bytes to attach. 0 means the dataspace's
	// whole size; larger requests are clamped to it.
	Size uint64

	// Offset is the byte offset into the dataspace.
	Offset int64

	// UseFixed makes the attach land exactly at FixedAddr.
	UseFixed  bool
	FixedAddr uintptr

	// Executable requests PROT_EXEC on the mapping.
	Executable bool
}

// Session is one region-manager session: either the process-root
// address space, or a sub-range session reserving a window of the
// root.
//
// One mutex guards the registry and is held across the whole attach
// and detach path, conflict check through host call through slot
// update. Serializing the (possibly slow) host call is the accepted
// tradeoff: this layer favors bookkeeping correctness over
// attach/detach throughput.
type Session struct {
	mapper Mapper
	logger *slog.Logger
	sub    bool

	// capacity is the session's size in its dataspace view. The root
	// session reports the whole address range.
	capacity uint64

	mu       sync.Mutex
	registry region.Registry

	// base is the address where this sub-range session is currently
	// placed in its parent; 0 means not attached. Root sessions never
	// set it.
	base   uintptr
	parent *Session

	// window is the size of the reservation currently backing this
	// sub-range session. A parent may place a partial view, so the
	// window can be smaller than capacity; mappings must stay inside
	// it.
	window uint64

	closed bool
}

// NewRoot creates the session that manages the process's own address
// space. There is one per environment.
func NewRoot(mapper Mapper, logger *slog.Logger) *Session {
	return &Session{
		mapper:   mapper,
		logger:   logger,
		capacity: ^uint64(0),
	}
}

// NewSub creates a sub-range session of the given capacity. It holds
// no addresses until another session attaches its dataspace view,
// reserving a window for it.
func NewSub(capacity uint64, mapper Mapper, logger *slog.Logger) *Session {
	return &Session{
		mapper:   mapper,
		logger:   logger,
		sub:      true,
		capacity: capacity,
	}
}

// Attach maps ds into this session's address range and returns the
// local address. If ds is another session's dataspace view, the call
// reserves a window for that sub-session instead of mapping anything;
// the sub-session then populates the window through its own Attach
// calls.
func (s *Session) Attach(ds dataspace.Dataspace, opts AttachOptions) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if child, ok := ds.(*Session); ok {
		return s.attachManagedLocked(child, opts)
	}
	return s.attachDirectLocked(ds, opts)
}

// attachDirectLocked performs an ordinary dataspace attach. Caller
// holds s.mu.
func (s *Session) attachDirectLocked(ds dataspace.Dataspace, opts AttachOptions) (uintptr, error) {
	dsSize, err := ds.Size()
	if err != nil {
		return 0, err
	}
	if dsSize == 0 {
		return 0, fmt.Errorf("rm: dataspace has zero size")
	}

	size := opts.Size
	if size == 0 || size > dsSize {
		size = dsSize
	}

	addr, fixed, err := s.chooseAddrLocked(size, opts)
	if err != nil {
		return 0, err
	}

	fd, err := ds.MapFd()
	if err != nil {
		return 0, fmt.Errorf("rm: resolving mapping descriptor: %w", err)
	}

	got, err := s.mapper.Map(hostmap.Request{
		FD:         fd,
		Size:       size,
		Offset:     opts.Offset,
		Addr:       addr,
		Fixed:      fixed,
		Replace:    s.sub, // inside our own reservation only
		Writable:   ds.Writable(),
		Executable: opts.Executable,
	})
	if err != nil {
		return 0, err
	}

	if _, err := s.registry.Add(region.Region{
		Start:   got,
		Offset:  opts.Offset,
		Backing: ds,
		Size:    size,
	}); err != nil {
		// No partial registration: take the mapping down again.
		if unmapErr := s.undoMapLocked(got, size); unmapErr != nil {
			s.logger.Warn("rollback unmap failed", "addr", got, "size", size, "error", unmapErr)
		}
		if errors.Is(err, region.ErrRegistryFull) {
			s.logger.Warn("region registry full", "capacity", region.MaxRegions)
		}
		return 0, err
	}

	s.logger.Debug("attached dataspace", "addr", got, "size", size, "offset", opts.Offset)
	return got, nil
}

// attachManagedLocked reserves a window for a sub-range session.
// Caller holds s.mu; child's own mutex is taken strictly after, never
// the other way around.
func (s *Session) attachManagedLocked(child *Session, opts AttachOptions) (uintptr, error) {
	if s.sub {
		return 0, ErrNestedManaged
	}
	if !child.sub {
		return 0, ErrNotManageable
	}

	size := child.capacity
	if opts.Size != 0 && opts.Size < size {
		size = opts.Size
	}

	addr, fixed, err := s.chooseAddrLocked(size, opts)
	if err != nil {
		return 0, err
	}

	got, err := s.mapper.Reserve(addr, size, fixed, false)
	if err != nil {
		return 0, err
	}

	if _, err := s.registry.Add(region.Region{
		Start:   got,
		Backing: child,
		Size:    size,
	}); err != nil {
		if unmapErr := s.mapper.Unmap(got, size); unmapErr != nil {
			s.logger.Warn("rollback of window reservation failed", "addr", got, "error", unmapErr)
		}
		return 0, err
	}

	if err := child.setAttached(s, got, size); err != nil {
		s.registry.RemoveByStart(got)
		if unmapErr := s.mapper.Unmap(got, size); unmapErr != nil {
			s.logger.Warn("rollback of window reservation failed", "addr", got, "error", unmapErr)
		}
		return 0, err
	}

	s.logger.Debug("reserved sub-session window", "addr", got, "size", size)
	return got, nil
}

// chooseAddrLocked picks the target address for an attach of the
// given size, and reports whether the host call must treat it as
// fixed. Policy: a fixed request is honored exactly after a registry
// conflict pre-check; otherwise the root session lets the kernel
// place the mapping (nothing in the process can collide with a
// kernel-chosen address), and a sub-range session takes the lowest
// fitting page-aligned address in its window.
func (s *Session) chooseAddrLocked(size uint64, opts AttachOptions) (uintptr, bool, error) {
	if opts.UseFixed {
		end, ok := rangeEnd(opts.FixedAddr, size)
		if !ok {
			return 0, false, fmt.Errorf("rm: attach of %#x bytes at %#x wraps the address range",
				size, opts.FixedAddr)
		}
		if s.sub {
			if s.base == 0 {
				return 0, false, ErrNotAttached
			}
			if opts.FixedAddr < s.base || end > s.base+uintptr(s.window) {
				return 0, false, fmt.Errorf("%w: [%#x,%#x) vs window [%#x,%#x)",
					ErrOutsideWindow, opts.FixedAddr, end,
					s.base, s.base+uintptr(s.window))
			}
		}
		probe := region.Region{Start: opts.FixedAddr, Size: size}
		if hit, ok := s.registry.FindIntersecting(probe); ok {
			return 0, false, fmt.Errorf("%w: [%#x,%#x) hits [%#x,%#x)",
				region.ErrConflict, probe.Start, probe.End(), hit.Start, hit.End())
		}
		return opts.FixedAddr, true, nil
	}

	if !s.sub {
		return 0, false, nil
	}

	if s.base == 0 {
		return 0, false, ErrNotAttached
	}
	addr, err := s.firstFitLocked(size)
	if err != nil {
		return 0, false, err
	}
	return addr, true, nil
}

// firstFitLocked scans the window for the lowest page-aligned address
// where size bytes fit without intersecting a live region. Caller
// holds s.mu.
func (s *Session) firstFitLocked(size uint64) (uintptr, error) {
	limit := s.base + uintptr(s.window)
	addr := s.base
	for {
		end, ok := rangeEnd(addr, size)
		if !ok || end > limit {
			return 0, fmt.Errorf("%w: no free range of %#x bytes in window", region.ErrConflict, size)
		}
		hit, ok := s.registry.FindIntersecting(region.Region{Start: addr, Size: size})
		if !ok {
			return addr, nil
		}
		addr = alignUp(hit.End(), pageSize)
	}
}

// Detach removes the region starting at addr. An address with no
// region is a silent no-op. A direct region is unmapped (sub-range
// sessions re-reserve the hole so their window stays claimed); a
// sub-session window is released and the child marked detached.
func (s *Session) Detach(addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.registry.FindByStart(addr)
	if !r.Used() {
		return
	}

	if child, ok := r.Backing.(*Session); ok {
		if err := s.mapper.Unmap(r.Start, r.Size); err != nil {
			s.logger.Warn("releasing sub-session window failed", "addr", r.Start, "error", err)
		}
		child.setDetached()
	} else if err := s.undoMapLocked(r.Start, r.Size); err != nil {
		s.logger.Warn("unmap failed", "addr", r.Start, "size", r.Size, "error", err)
	}

	s.registry.RemoveByStart(addr)
	s.logger.Debug("detached region", "addr", r.Start, "size", r.Size)
}

// undoMapLocked removes a direct mapping. In a sub-range session the
// hole is immediately re-reserved with PROT_NONE so the window stays
// out of the kernel's hands.
func (s *Session) undoMapLocked(addr uintptr, size uint64) error {
	if s.sub {
		_, err := s.mapper.Reserve(addr, size, true, true)
		return err
	}
	return s.mapper.Unmap(addr, size)
}

// Region returns the region starting exactly at addr, or the empty
// sentinel. Diagnostic surface for callers and tests.
func (s *Session) Region(addr uintptr) region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.FindByStart(addr)
}

// AddClient would register a thread for fault handling at a real
// region-manager session. The host kernel pages for us, so the
// returned pager capability is always the invalid zero value.
func (s *Session) AddClient(thread cap.Thread) cap.Pager {
	return cap.Pager{}
}

// SetFaultHandler records nothing: no local fault notification path
// exists in the host emulation.
func (s *Session) SetFaultHandler(handler cap.SignalContext) {}

// State returns the zero fault state; see State.
func (s *Session) State() State { return State{} }

// Attached reports whether this sub-range session currently occupies
// a window in a parent.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base != 0
}

// Base returns the window address of an attached sub-range session,
// 0 otherwise.
func (s *Session) Base() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Close shuts the session down. An attached sub-range session first
// detaches itself from its parent, so no orphaned window survives the
// session object. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	parent, base := s.parent, s.base
	s.mu.Unlock()

	if s.sub && parent != nil && base != 0 {
		parent.Detach(base)
	}
	return nil
}

// setAttached records the window placement and the size the parent
// actually reserved. Called by the parent with its own lock held; lock
// order is always parent before child.
func (s *Session) setAttached(parent *Session, base uintptr, window uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.base != 0 {
		return ErrAlreadyAttached
	}
	s.base = base
	s.parent = parent
	s.window = window
	return nil
}

// setDetached clears the window placement. Called by the parent's
// Detach with the parent lock held.
func (s *Session) setDetached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = 0
	s.parent = nil
	s.window = 0
}

// rangeEnd returns start+size, reporting false when the range would
// wrap past the top of the address space.
func rangeEnd(start uintptr, size uint64) (uintptr, bool) {
	if size > uint64(^uintptr(0))-uint64(start) {
		return 0, false
	}
	return start + uintptr(size), true
}

func alignUp(v uintptr, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
