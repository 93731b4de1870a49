// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package cap

// Session is an opaque handle for a session at the parent. The parent
// mints the numeric ID when a session is opened; the child never
// interprets it beyond equality. The zero value is invalid and means
// "no session".
type Session struct {
	ID uint64 `cbor:"id"`
}

// Valid reports whether the handle refers to a session at all.
func (s Session) Valid() bool { return s.ID != 0 }

// Dataspace is an opaque handle for a mappable memory object owned by
// a remote session. Like Session, identity is the numeric ID and the
// zero value is invalid.
//
// A Dataspace must never be used after the session that produced it
// has been closed. That rule is enforced by construction: handles are
// only obtainable through a live session client, and clients drop
// their transport reference on close.
type Dataspace struct {
	ID uint64 `cbor:"id"`
}

// Valid reports whether the handle refers to a dataspace.
func (d Dataspace) Valid() bool { return d.ID != 0 }

// Thread is an opaque handle for a thread at the CPU session. The
// region-manager emulation accepts it in AddClient but never
// dereferences it: paging is the host kernel's job.
type Thread struct {
	ID uint64 `cbor:"id"`
}

// Valid reports whether the handle refers to a thread.
func (t Thread) Valid() bool { return t.ID != 0 }

// SignalContext is an opaque handle for a signal receiver context,
// accepted by the region-manager's fault-handler registration. The
// host emulation has no local fault notification path, so the handle
// is recorded nowhere.
type SignalContext struct {
	ID uint64 `cbor:"id"`
}

// Valid reports whether the handle refers to a signal context.
func (c SignalContext) Valid() bool { return c.ID != 0 }

// Pager is the fault-handler capability returned by a region-manager
// session's AddClient. The host emulation delegates paging to the host
// kernel, so the only value ever produced is the invalid zero value.
type Pager struct {
	ID uint64 `cbor:"id"`
}

// Valid reports whether the handle refers to a pager.
func (p Pager) Valid() bool { return p.ID != 0 }
