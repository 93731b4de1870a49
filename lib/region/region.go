// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package region

import "github.com/plinth-foundation/plinth/lib/dataspace"

// Region records one attached dataspace range: the local address it
// starts at, the byte offset into the backing object, the backing
// dataspace, and the length. The range is half-open,
// [Start, Start+Size). A Region with Size == 0 is the empty sentinel
// marking an unused slot.
type Region struct {
	Start   uintptr
	Offset  int64
	Backing dataspace.Dataspace
	Size    uint64
}

// Used reports whether the region records a live attachment.
func (r Region) Used() bool { return r.Size > 0 }

// End returns the address of the first byte after the region.
func (r Region) End() uintptr { return r.Start + uintptr(r.Size) }

// Intersects reports whether the two half-open ranges overlap. The
// empty sentinel intersects nothing.
func (r Region) Intersects(other Region) bool {
	if !r.Used() || !other.Used() {
		return false
	}
	return other.Start < r.End() && r.Start < other.End()
}
