// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package ram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/parent"
)

// fakeTransport models a parent RAM session with a countdown of
// allocations until exhaustion. UpgradeQuota grants another batch.
type fakeTransport struct {
	remaining    int
	grantOnUp    int
	upgrades     []string
	allocs       int
	frees        []cap.Dataspace
	nextID       uint64
	upgradeError error
}

func (f *fakeTransport) RequestSession(ctx context.Context, service, args string) (cap.Session, error) {
	return cap.Session{}, errors.New("not implemented")
}

func (f *fakeTransport) CloseSession(ctx context.Context, session cap.Session) error {
	return errors.New("not implemented")
}

func (f *fakeTransport) UpgradeQuota(ctx context.Context, session cap.Session, amount string) error {
	f.upgrades = append(f.upgrades, amount)
	if f.upgradeError != nil {
		return f.upgradeError
	}
	f.remaining += f.grantOnUp
	return nil
}

func (f *fakeTransport) Exit(ctx context.Context, code int) error {
	return errors.New("not implemented")
}

func (f *fakeTransport) RAMAlloc(ctx context.Context, session cap.Session, size uint64, cached bool) (cap.Dataspace, error) {
	f.allocs++
	if f.remaining <= 0 {
		return cap.Dataspace{}, &parent.ServiceError{
			Action: parent.ActionRAMAlloc,
			Code:   parent.CodeOutOfMetadata,
		}
	}
	f.remaining--
	f.nextID++
	return cap.Dataspace{ID: f.nextID}, nil
}

func (f *fakeTransport) RAMFree(ctx context.Context, session cap.Session, ds cap.Dataspace) error {
	f.frees = append(f.frees, ds)
	return nil
}

func (f *fakeTransport) DataspaceInfo(ctx context.Context, ds cap.Dataspace) (dataspace.Info, error) {
	return dataspace.Info{}, errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllocFree(t *testing.T) {
	transport := &fakeTransport{remaining: 4}
	client := NewClient(transport, cap.Session{ID: 1})

	ds, err := client.Alloc(context.Background(), 0x1000, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !ds.Valid() {
		t.Fatal("Alloc returned invalid dataspace")
	}

	if err := client.Free(context.Background(), ds); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(transport.frees) != 1 || transport.frees[0] != ds {
		t.Errorf("frees = %v, want [%v]", transport.frees, ds)
	}
}

func TestAllocExhaustionWithoutExpansion(t *testing.T) {
	transport := &fakeTransport{remaining: 0}
	client := NewClient(transport, cap.Session{ID: 1})

	_, err := client.Alloc(context.Background(), 0x1000, true)
	if !errors.Is(err, parent.ErrOutOfMetadata) {
		t.Fatalf("error %v does not match ErrOutOfMetadata", err)
	}
	if len(transport.upgrades) != 0 {
		t.Errorf("plain client performed %d upgrades", len(transport.upgrades))
	}
}

func TestExpandingAllocRecoversOnce(t *testing.T) {
	transport := &fakeTransport{remaining: 0, grantOnUp: 2}
	client := NewExpandingClient(transport, cap.Session{ID: 1}, "", testLogger())

	ds, err := client.Alloc(context.Background(), 0x1000, true)
	if err != nil {
		t.Fatalf("Alloc after upgrade: %v", err)
	}
	if !ds.Valid() {
		t.Fatal("Alloc returned invalid dataspace")
	}
	if len(transport.upgrades) != 1 {
		t.Fatalf("upgrades = %v, want exactly one", transport.upgrades)
	}
	if transport.upgrades[0] != DefaultUpgradeAmount {
		t.Errorf("upgrade amount = %q, want %q", transport.upgrades[0], DefaultUpgradeAmount)
	}
	if transport.allocs != 2 {
		t.Errorf("alloc attempts = %d, want 2", transport.allocs)
	}
}

func TestExpandingAllocFailsTerminallyAfterOneUpgrade(t *testing.T) {
	// The upgrade lands but grants nothing usable: the retry also
	// exhausts. That must not trigger a second upgrade.
	transport := &fakeTransport{remaining: 0, grantOnUp: 0}
	client := NewExpandingClient(transport, cap.Session{ID: 1}, "", testLogger())

	_, err := client.Alloc(context.Background(), 0x1000, true)
	if !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("error %v does not match ErrAllocFailed", err)
	}
	if len(transport.upgrades) != 1 {
		t.Errorf("upgrades = %v, want exactly one", transport.upgrades)
	}
	if transport.allocs != 2 {
		t.Errorf("alloc attempts = %d, want 2", transport.allocs)
	}
}

func TestExpandingAllocNoUpgradeWhenQuotaHolds(t *testing.T) {
	transport := &fakeTransport{remaining: 3}
	client := NewExpandingClient(transport, cap.Session{ID: 1}, "ram_quota=16K", testLogger())

	if _, err := client.Alloc(context.Background(), 0x1000, true); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(transport.upgrades) != 0 {
		t.Errorf("upgrades = %v, want none", transport.upgrades)
	}
}

func TestExpandingAllocSurfacesUpgradeFailure(t *testing.T) {
	transport := &fakeTransport{remaining: 0, upgradeError: errors.New("parent gone")}
	client := NewExpandingClient(transport, cap.Session{ID: 1}, "", testLogger())

	_, err := client.Alloc(context.Background(), 0x1000, true)
	if err == nil {
		t.Fatal("Alloc succeeded despite upgrade failure")
	}
	if errors.Is(err, ErrAllocFailed) {
		t.Errorf("upgrade failure misreported as ErrAllocFailed: %v", err)
	}
	if transport.allocs != 1 {
		t.Errorf("alloc attempts = %d, want 1 (no retry after failed upgrade)", transport.allocs)
	}
}
