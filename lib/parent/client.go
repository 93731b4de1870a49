// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package parent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/codec"
	"github.com/plinth-foundation/plinth/lib/dataspace"
)

// dialTimeout is the maximum time to wait for a connection to the
// parent socket, separate from the request-response timeouts.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the parent's
// reply after writing a request. Parent operations are bookkeeping,
// not I/O; a parent slower than this is gone.
const responseReadTimeout = 15 * time.Second

// maxResponseSize bounds a single CBOR response. Parent replies are
// handles and attribute records, never bulk data.
const maxResponseSize = 64 * 1024

// Client speaks the parent protocol over a Unix socket. Each call
// opens a fresh connection (one request-response cycle per
// connection, matching the server), writes one CBOR request, and
// reads one CBOR response.
type Client struct {
	socketPath string
	logger     *slog.Logger
}

var _ Transport = (*Client)(nil)
var _ dataspace.Resolver = (*Client)(nil)

// NewClient creates a client for the parent socket at socketPath.
func NewClient(socketPath string, logger *slog.Logger) *Client {
	return &Client{socketPath: socketPath, logger: logger}
}

// RequestSession implements Transport.
func (c *Client) RequestSession(ctx context.Context, service, args string) (cap.Session, error) {
	var reply sessionReply
	err := c.call(ctx, ActionSession, sessionRequest{
		Action:  ActionSession,
		Service: service,
		Args:    args,
	}, &reply)
	if err != nil {
		return cap.Session{}, err
	}
	if !reply.Session.Valid() {
		return cap.Session{}, fmt.Errorf("parent: %s session reply carries no handle", service)
	}
	return reply.Session, nil
}

// CloseSession implements Transport.
func (c *Client) CloseSession(ctx context.Context, session cap.Session) error {
	return c.call(ctx, ActionClose, closeRequest{Action: ActionClose, Session: session}, nil)
}

// UpgradeQuota implements Transport.
func (c *Client) UpgradeQuota(ctx context.Context, session cap.Session, amount string) error {
	return c.call(ctx, ActionUpgrade, upgradeRequest{
		Action:  ActionUpgrade,
		Session: session,
		Amount:  amount,
	}, nil)
}

// Exit implements Transport.
func (c *Client) Exit(ctx context.Context, code int) error {
	return c.call(ctx, ActionExit, exitRequest{Action: ActionExit, Code: code}, nil)
}

// RAMAlloc implements Transport.
func (c *Client) RAMAlloc(ctx context.Context, session cap.Session, size uint64, cached bool) (cap.Dataspace, error) {
	var reply ramAllocReply
	err := c.call(ctx, ActionRAMAlloc, ramAllocRequest{
		Action:  ActionRAMAlloc,
		Session: session,
		Size:    size,
		Cached:  cached,
	}, &reply)
	if err != nil {
		return cap.Dataspace{}, err
	}
	return reply.Dataspace, nil
}

// RAMFree implements Transport.
func (c *Client) RAMFree(ctx context.Context, session cap.Session, ds cap.Dataspace) error {
	return c.call(ctx, ActionRAMFree, ramFreeRequest{
		Action:    ActionRAMFree,
		Session:   session,
		Dataspace: ds,
	}, nil)
}

// DataspaceInfo implements Transport and dataspace.Resolver.
func (c *Client) DataspaceInfo(ctx context.Context, ds cap.Dataspace) (dataspace.Info, error) {
	var info dataspace.Info
	err := c.call(ctx, ActionDataspaceInfo, dataspaceInfoRequest{
		Action:    ActionDataspaceInfo,
		Dataspace: ds,
	}, &info)
	if err != nil {
		return dataspace.Info{}, err
	}
	return info, nil
}

// call sends one request and decodes the reply. A failure response
// becomes a *ServiceError; connection and codec problems are plain
// errors.
func (c *Client) call(ctx context.Context, action string, request, result any) error {
	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("parent: %s on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		c.logger.Debug("parent refused request",
			"action", action, "code", response.Code, "error", response.Error)
		return &ServiceError{Action: action, Code: response.Code, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("parent: decoding %s reply: %w", action, err)
		}
	}
	return nil
}

// send connects, writes the request, and reads the response. Each
// call creates a new connection.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side so the server's read sees EOF
	// cleanly; CBOR is self-delimiting so this is a courtesy.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
