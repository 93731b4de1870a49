// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"errors"
	"fmt"
)

// MaxRegions is the fixed number of slots in a Registry. The table
// never grows: attach bookkeeping stays allocation-free, and a session
// that genuinely needs more than 4096 live regions is misusing this
// layer.
const MaxRegions = 4096

var (
	// ErrConflict is returned by Add when the candidate region
	// overlaps a region already in the table. The table is unchanged.
	ErrConflict = errors.New("region: range conflicts with existing region")

	// ErrRegistryFull is returned by Add when all slots are in use.
	// The table is unchanged.
	ErrRegistryFull = errors.New("region: registry full")
)

// Registry is a fixed-capacity table of non-overlapping regions.
// Slots are addressed by stable integer ids and reused after removal;
// insertion order carries no meaning. Lookup and removal key on the
// region's start address, first match wins.
//
// Registry does no locking. The owning session serializes access.
type Registry struct {
	slots [MaxRegions]Region
}

// Add stores r in the first free slot and returns its slot id.
//
// The whole table is scanned for an intersection first; on conflict
// the table is left untouched and ErrConflict is returned. A full
// table returns ErrRegistryFull, also without modification.
func (reg *Registry) Add(r Region) (int, error) {
	if hit, ok := reg.FindIntersecting(r); ok {
		return -1, fmt.Errorf("%w: [%#x,%#x) hits [%#x,%#x)",
			ErrConflict, r.Start, r.End(), hit.Start, hit.End())
	}

	for i := range reg.slots {
		if !reg.slots[i].Used() {
			reg.slots[i] = r
			return i, nil
		}
	}

	return -1, fmt.Errorf("%w: all %d slots in use", ErrRegistryFull, MaxRegions)
}

// Get returns the region stored under the given slot id. An id outside
// the table, or one whose slot is unused, yields the empty sentinel —
// "not present" is an expected outcome, not an error.
func (reg *Registry) Get(id int) Region {
	if id < 0 || id >= MaxRegions {
		return Region{}
	}
	return reg.slots[id]
}

// FindIntersecting returns the first used region whose range overlaps
// r, and whether one was found. Address-selection scans in lib/rm use
// it directly.
func (reg *Registry) FindIntersecting(r Region) (Region, bool) {
	for i := range reg.slots {
		if reg.slots[i].Intersects(r) {
			return reg.slots[i], true
		}
	}
	return Region{}, false
}

// FindByStart returns the first used region starting exactly at addr,
// or the empty sentinel if there is none.
func (reg *Registry) FindByStart(addr uintptr) Region {
	for i := range reg.slots {
		if reg.slots[i].Used() && reg.slots[i].Start == addr {
			return reg.slots[i]
		}
	}
	return Region{}
}

// RemoveByStart clears the first used slot whose region starts exactly
// at addr. An absent address is a silent no-op.
func (reg *Registry) RemoveByStart(addr uintptr) {
	for i := range reg.slots {
		if reg.slots[i].Used() && reg.slots[i].Start == addr {
			reg.slots[i] = Region{}
			return
		}
	}
}
