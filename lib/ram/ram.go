// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package ram allocates memory dataspaces from a parent-granted RAM
// session. ExpandingClient adds the standard recovery for session
// metadata exhaustion: donate one fixed quota increment and retry the
// allocation exactly once.
package ram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/parent"
)

// DefaultUpgradeAmount is the quota donation made on the first
// exhaustion of a session. Sized to cover the session-side bookkeeping
// of a batch of allocations, not the allocations themselves.
const DefaultUpgradeAmount = "ram_quota=8K"

// ErrAllocFailed reports an allocation that failed even after the
// quota upgrade. There is no further recovery at this layer; the
// caller's own quota is genuinely spent.
var ErrAllocFailed = errors.New("ram: dataspace allocation failed")

// Client performs RAM session operations through a parent transport.
// Exhaustion surfaces as parent.ErrOutOfMetadata; use ExpandingClient
// for automatic recovery.
type Client struct {
	transport parent.Transport
	session   cap.Session
}

// NewClient wraps an open RAM session.
func NewClient(transport parent.Transport, session cap.Session) *Client {
	return &Client{transport: transport, session: session}
}

// Session returns the wrapped session capability.
func (c *Client) Session() cap.Session { return c.session }

// Alloc allocates a dataspace of size bytes.
func (c *Client) Alloc(ctx context.Context, size uint64, cached bool) (cap.Dataspace, error) {
	ds, err := c.transport.RAMAlloc(ctx, c.session, size, cached)
	if err != nil {
		return cap.Dataspace{}, fmt.Errorf("ram: allocating %d bytes: %w", size, err)
	}
	return ds, nil
}

// Free releases a dataspace back to the session.
func (c *Client) Free(ctx context.Context, ds cap.Dataspace) error {
	if err := c.transport.RAMFree(ctx, c.session, ds); err != nil {
		return fmt.Errorf("ram: freeing dataspace: %w", err)
	}
	return nil
}

// ExpandingClient is a Client whose Alloc upgrades the session quota
// once and retries when the session reports metadata exhaustion. The
// retry happens at most once per Alloc call: a second exhaustion means
// the caller is out of quota for real and gets ErrAllocFailed.
type ExpandingClient struct {
	*Client
	upgradeAmount string
	logger        *slog.Logger
}

// NewExpandingClient wraps an open RAM session with upgrade-and-retry
// allocation. An empty upgradeAmount selects DefaultUpgradeAmount.
func NewExpandingClient(transport parent.Transport, session cap.Session, upgradeAmount string, logger *slog.Logger) *ExpandingClient {
	if upgradeAmount == "" {
		upgradeAmount = DefaultUpgradeAmount
	}
	return &ExpandingClient{
		Client:        NewClient(transport, session),
		upgradeAmount: upgradeAmount,
		logger:        logger,
	}
}

// Alloc allocates a dataspace, recovering once from session quota
// exhaustion by donating the configured increment.
func (c *ExpandingClient) Alloc(ctx context.Context, size uint64, cached bool) (cap.Dataspace, error) {
	ds, err := c.Client.Alloc(ctx, size, cached)
	if err == nil {
		return ds, nil
	}
	if !errors.Is(err, parent.ErrOutOfMetadata) {
		return cap.Dataspace{}, err
	}

	c.logger.Info("ram session quota exhausted, upgrading",
		"session", c.session.ID, "amount", c.upgradeAmount)
	if upgradeErr := c.transport.UpgradeQuota(ctx, c.session, c.upgradeAmount); upgradeErr != nil {
		return cap.Dataspace{}, fmt.Errorf("ram: upgrading session quota: %w", upgradeErr)
	}

	ds, err = c.Client.Alloc(ctx, size, cached)
	if err == nil {
		return ds, nil
	}
	if errors.Is(err, parent.ErrOutOfMetadata) {
		return cap.Dataspace{}, fmt.Errorf("%w: exhausted after %s upgrade: %v",
			ErrAllocFailed, c.upgradeAmount, err)
	}
	return cap.Dataspace{}, err
}
