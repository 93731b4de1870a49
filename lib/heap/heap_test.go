// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package heap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/hostmap"
	"github.com/plinth-foundation/plinth/lib/rm"
)

// memfdBacking serves chunks from anonymous memory, standing in for a
// parent RAM session. Mappings land at kernel-chosen addresses, so
// handed-out blocks are real writable memory.
type memfdBacking struct {
	nextID uint64
	open   map[uint64]*dataspace.Memfd
	allocs int
	frees  int
}

func newMemfdBacking() *memfdBacking {
	return &memfdBacking{open: make(map[uint64]*dataspace.Memfd)}
}

func (b *memfdBacking) Alloc(ctx context.Context, size uint64) (dataspace.Dataspace, cap.Dataspace, error) {
	m, err := dataspace.NewMemfd(fmt.Sprintf("heap-test-%d", b.nextID), size)
	if err != nil {
		return nil, cap.Dataspace{}, err
	}
	b.nextID++
	b.allocs++
	b.open[b.nextID] = m
	return m, cap.Dataspace{ID: b.nextID}, nil
}

func (b *memfdBacking) Free(ctx context.Context, ds cap.Dataspace) error {
	m, ok := b.open[ds.ID]
	if !ok {
		return fmt.Errorf("free of unknown dataspace %d", ds.ID)
	}
	delete(b.open, ds.ID)
	b.frees++
	return m.Close()
}

func newTestHeap(t *testing.T, chunkSize uint64) (*Heap, *memfdBacking) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backing := newMemfdBacking()
	root := rm.NewRoot(hostmap.Host{}, logger)
	h := New(backing, root, chunkSize, logger)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h, backing
}

func TestAllocReturnsWritableMemory(t *testing.T) {
	h, _ := newTestHeap(t, 0)

	block, err := h.Alloc(context.Background(), 256)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(block) != 256 {
		t.Fatalf("block length = %d, want 256", len(block))
	}
	for i := range block {
		block[i] = byte(i)
	}
	for i := range block {
		if block[i] != byte(i) {
			t.Fatalf("block[%d] = %d after write", i, block[i])
		}
	}
}

func TestSmallAllocsShareOneChunk(t *testing.T) {
	h, backing := newTestHeap(t, 0x10000)

	for i := 0; i < 16; i++ {
		if _, err := h.Alloc(context.Background(), 512); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if backing.allocs != 1 {
		t.Errorf("backing allocs = %d, want 1", backing.allocs)
	}
	if h.Size() != 0x10000 {
		t.Errorf("heap size = %#x, want 0x10000", h.Size())
	}
}

func TestOversizeAllocGetsDedicatedChunk(t *testing.T) {
	h, backing := newTestHeap(t, 0x1000)

	block, err := h.Alloc(context.Background(), 0x3000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(block) != 0x3000 {
		t.Fatalf("block length = %#x, want 0x3000", len(block))
	}
	if backing.allocs != 1 {
		t.Errorf("backing allocs = %d, want 1", backing.allocs)
	}
	block[0x2FFF] = 0xAA
}

func TestFreeLastBlockReleasesChunk(t *testing.T) {
	h, backing := newTestHeap(t, 0x1000)

	a, err := h.Alloc(context.Background(), 64)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := h.Alloc(context.Background(), 64)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}

	if err := h.Free(context.Background(), a); err != nil {
		t.Fatalf("Free a: %v", err)
	}
	if backing.frees != 0 {
		t.Fatal("chunk released while a block was live")
	}
	if err := h.Free(context.Background(), b); err != nil {
		t.Fatalf("Free b: %v", err)
	}
	if backing.frees != 1 {
		t.Errorf("backing frees = %d, want 1", backing.frees)
	}
	if h.Size() != 0 {
		t.Errorf("heap size = %#x after full free, want 0", h.Size())
	}
}

func TestFreeUnknownBlock(t *testing.T) {
	h, _ := newTestHeap(t, 0)

	bogus := make([]byte, 16)
	if err := h.Free(context.Background(), bogus); !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("error %v does not match ErrUnknownBlock", err)
	}
}

func TestCloseReleasesEverythingAndSticks(t *testing.T) {
	h, backing := newTestHeap(t, 0x1000)

	if _, err := h.Alloc(context.Background(), 0x800); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := h.Alloc(context.Background(), 0x2000); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(backing.open) != 0 {
		t.Errorf("%d dataspaces still open after Close", len(backing.open))
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.Alloc(context.Background(), 16); !errors.Is(err, ErrClosed) {
		t.Fatalf("Alloc after Close: error %v, want ErrClosed", err)
	}
}
