// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package rm

import (
	"fmt"

	"github.com/plinth-foundation/plinth/lib/dataspace"
)

// Dataspace view of the session. A sub-range session presents itself
// as a pseudo-dataspace whose only valid use is as the argument to
// another session's Attach; no other dataspace operation is
// meaningful on it.

var _ dataspace.Dataspace = (*Session)(nil)

// Size returns the session's configured capacity. For the root
// session that is the whole address range.
func (s *Session) Size() (uint64, error) { return s.capacity, nil }

// PhysAddr returns 0: an address-space window is never physically
// addressable.
func (s *Session) PhysAddr() uintptr { return 0 }

// Writable reports true; what is actually writable inside the window
// is decided per contained mapping.
func (s *Session) Writable() bool { return true }

// MapFd fails: a managed window has no backing object of its own.
// Attach recognizes the session before ever asking for a descriptor.
func (s *Session) MapFd() (int, error) {
	return -1, fmt.Errorf("rm: managed dataspace has no mapping descriptor")
}

// Dataspace returns the session's pseudo-dataspace view.
func (s *Session) Dataspace() dataspace.Dataspace { return s }
