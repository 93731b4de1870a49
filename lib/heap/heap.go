// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package heap is a process heap built on parent-granted memory: it
// grows by allocating dataspaces and attaching them through a region
// map, then carves blocks out of the attached chunks with a bump
// pointer. Blocks are freed by address; a chunk whose last block is
// freed is detached and its dataspace returned.
package heap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/rm"
)

// DefaultChunkSize is the growth granularity. Requests larger than
// this get a dedicated chunk of their own.
const DefaultChunkSize = 64 * 1024

// blockAlign is the alignment of every handed-out block.
const blockAlign = 16

const pageSize = 4096

// ErrClosed reports use of a heap after Close.
var ErrClosed = errors.New("heap: closed")

// ErrUnknownBlock reports a Free for an address this heap never
// handed out.
var ErrUnknownBlock = errors.New("heap: unknown block")

// Backing supplies and reclaims the dataspaces the heap grows with.
// lib/env adapts the expanding RAM client to this.
type Backing interface {
	// Alloc returns a mappable dataspace of at least size bytes plus
	// the capability to release it with.
	Alloc(ctx context.Context, size uint64) (dataspace.Dataspace, cap.Dataspace, error)
	// Free releases a dataspace obtained from Alloc.
	Free(ctx context.Context, ds cap.Dataspace) error
}

// chunk is one attached dataspace being carved into blocks.
type chunk struct {
	addr    uintptr
	size    uint64
	next    uint64 // bump offset of the next block
	live    int    // blocks handed out and not yet freed
	backing cap.Dataspace
}

// Heap carves blocks out of dataspace-backed chunks. Safe for
// concurrent use.
type Heap struct {
	backing   Backing
	rmSession *rm.Session
	chunkSize uint64
	logger    *slog.Logger

	mu     sync.Mutex
	chunks []*chunk
	blocks map[uintptr]*blockInfo
	closed bool
}

type blockInfo struct {
	chunk *chunk
	size  uint64
}

// New creates a heap growing in chunkSize steps; zero selects
// DefaultChunkSize. The region map session must be able to place
// mappings at usable addresses (the root session).
func New(backing Backing, rmSession *rm.Session, chunkSize uint64, logger *slog.Logger) *Heap {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return &Heap{
		backing:   backing,
		rmSession: rmSession,
		chunkSize: chunkSize,
		logger:    logger,
		blocks:    make(map[uintptr]*blockInfo),
	}
}

// Alloc returns a zeroed block of size bytes backed by attached
// dataspace memory.
func (h *Heap) Alloc(ctx context.Context, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("heap: zero-size allocation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	need := alignUp(size, blockAlign)
	c := h.findRoomLocked(need)
	if c == nil {
		var err error
		c, err = h.growLocked(ctx, need)
		if err != nil {
			return nil, err
		}
	}

	addr := c.addr + uintptr(c.next)
	c.next += need
	c.live++
	h.blocks[addr] = &blockInfo{chunk: c, size: size}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// Free releases a block by its address. The last block of a chunk
// returns the whole chunk to the backing.
func (h *Heap) Free(ctx context.Context, block []byte) error {
	if len(block) == 0 {
		return fmt.Errorf("%w: empty block", ErrUnknownBlock)
	}
	addr := uintptr(unsafe.Pointer(&block[0]))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	info, ok := h.blocks[addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownBlock, addr)
	}
	delete(h.blocks, addr)

	c := info.chunk
	c.live--
	if c.live > 0 {
		return nil
	}
	return h.releaseChunkLocked(ctx, c)
}

// Size reports the total bytes currently attached.
func (h *Heap) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, c := range h.chunks {
		total += c.size
	}
	return total
}

// Close detaches and frees every chunk. Idempotent; blocks still
// handed out become invalid.
func (h *Heap) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	for _, c := range h.chunks {
		h.rmSession.Detach(c.addr)
		if err := h.backing.Free(ctx, c.backing); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.chunks = nil
	h.blocks = nil
	return firstErr
}

// findRoomLocked returns a chunk with need bytes of bump space left.
func (h *Heap) findRoomLocked(need uint64) *chunk {
	for _, c := range h.chunks {
		if c.size-c.next >= need {
			return c
		}
	}
	return nil
}

// growLocked allocates and attaches a chunk big enough for need.
func (h *Heap) growLocked(ctx context.Context, need uint64) (*chunk, error) {
	size := h.chunkSize
	if need > size {
		size = alignUp(need, pageSize)
	}

	ds, backing, err := h.backing.Alloc(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("heap: growing by %d bytes: %w", size, err)
	}

	addr, err := h.rmSession.Attach(ds, rm.AttachOptions{})
	if err != nil {
		if freeErr := h.backing.Free(ctx, backing); freeErr != nil {
			h.logger.Warn("leaking dataspace after failed attach",
				"error", freeErr)
		}
		return nil, fmt.Errorf("heap: attaching chunk: %w", err)
	}

	c := &chunk{addr: addr, size: size, backing: backing}
	h.chunks = append(h.chunks, c)
	h.logger.Debug("heap grew", "addr", fmt.Sprintf("%#x", addr), "size", size)
	return c, nil
}

func (h *Heap) releaseChunkLocked(ctx context.Context, c *chunk) error {
	for i, existing := range h.chunks {
		if existing == c {
			h.chunks = append(h.chunks[:i], h.chunks[i+1:]...)
			break
		}
	}
	h.rmSession.Detach(c.addr)
	if err := h.backing.Free(ctx, c.backing); err != nil {
		return fmt.Errorf("heap: releasing chunk: %w", err)
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
