// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/parent"
	"github.com/plinth-foundation/plinth/lib/rm"
)

// localCapBit marks session capabilities minted by the interceptor.
// The parent never sees them, so collision with parent-issued IDs
// does not matter; the bit just makes local handles recognizable.
const localCapBit = uint64(1) << 63

// Interceptor is a parent transport that satisfies region-manager
// session requests locally and forwards everything else verbatim.
// Address-space windows only make sense inside this process, so the
// parent cannot serve them; each intercepted request becomes a fresh
// sub-range session backed by the local mapper.
type Interceptor struct {
	upstream parent.Transport
	mapper   rm.Mapper
	logger   *slog.Logger

	mu     sync.Mutex
	nextID uint64
	local  map[uint64]*rm.Session
}

var _ parent.Transport = (*Interceptor)(nil)

// NewInterceptor wraps upstream. Local region-manager sessions are
// built on mapper.
func NewInterceptor(upstream parent.Transport, mapper rm.Mapper, logger *slog.Logger) *Interceptor {
	return &Interceptor{
		upstream: upstream,
		mapper:   mapper,
		logger:   logger,
		local:    make(map[uint64]*rm.Session),
	}
}

// RequestSession intercepts the region-manager service; every other
// service goes to the upstream parent.
func (i *Interceptor) RequestSession(ctx context.Context, service, args string) (cap.Session, error) {
	if service != parent.ServiceRegionManager {
		return i.upstream.RequestSession(ctx, service, args)
	}

	capacity, err := parseSizeArg(args)
	if err != nil {
		return cap.Session{}, fmt.Errorf("env: region-manager session args %q: %w", args, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextID++
	id := localCapBit | i.nextID
	i.local[id] = rm.NewSub(capacity, i.mapper, i.logger)
	i.logger.Debug("local region-manager session created",
		"id", i.nextID, "capacity", capacity)
	return cap.Session{ID: id}, nil
}

// CloseSession releases a locally minted session itself; parent-issued
// handles are forwarded.
func (i *Interceptor) CloseSession(ctx context.Context, session cap.Session) error {
	i.mu.Lock()
	local, ok := i.local[session.ID]
	if ok {
		delete(i.local, session.ID)
	}
	i.mu.Unlock()

	if !ok {
		return i.upstream.CloseSession(ctx, session)
	}
	return local.Close()
}

// UpgradeQuota forwards; local sessions carry no parent-side quota, so
// an upgrade for one is accepted and dropped.
func (i *Interceptor) UpgradeQuota(ctx context.Context, session cap.Session, amount string) error {
	if i.isLocal(session) {
		return nil
	}
	return i.upstream.UpgradeQuota(ctx, session, amount)
}

// Exit forwards.
func (i *Interceptor) Exit(ctx context.Context, code int) error {
	return i.upstream.Exit(ctx, code)
}

// RAMAlloc forwards.
func (i *Interceptor) RAMAlloc(ctx context.Context, session cap.Session, size uint64, cached bool) (cap.Dataspace, error) {
	return i.upstream.RAMAlloc(ctx, session, size, cached)
}

// RAMFree forwards.
func (i *Interceptor) RAMFree(ctx context.Context, session cap.Session, ds cap.Dataspace) error {
	return i.upstream.RAMFree(ctx, session, ds)
}

// DataspaceInfo forwards.
func (i *Interceptor) DataspaceInfo(ctx context.Context, ds cap.Dataspace) (dataspace.Info, error) {
	return i.upstream.DataspaceInfo(ctx, ds)
}

// Session resolves a locally minted capability to its session, for
// callers that need to attach into or out of the window.
func (i *Interceptor) Session(session cap.Session) (*rm.Session, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	local, ok := i.local[session.ID]
	return local, ok
}

func (i *Interceptor) isLocal(session cap.Session) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.local[session.ID]
	return ok
}

// parseSizeArg extracts the size field from a comma-separated
// key=value argument string, e.g. "size=0x100000,foo=bar". Hex and
// decimal both work. An absent size selects the whole address range,
// for sessions wanted only as an attach target of known-size
// dataspaces.
func parseSizeArg(args string) (uint64, error) {
	for _, field := range strings.Split(args, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found || key != "size" {
			continue
		}
		size, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing size %q: %w", value, err)
		}
		if size == 0 {
			return 0, fmt.Errorf("zero-size window")
		}
		return size, nil
	}
	return ^uint64(0), nil
}
