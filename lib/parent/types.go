// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package parent

import (
	"context"
	"errors"
	"fmt"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/codec"
	"github.com/plinth-foundation/plinth/lib/dataspace"
)

// Service names a child may request sessions for. The region-manager
// service never reaches a real parent: the interceptor in lib/env
// satisfies it locally, because attach/detach into the local address
// space cannot be honored remotely.
const (
	ServiceRAM           = "ram"
	ServiceCPU           = "cpu"
	ServicePD            = "pd"
	ServiceRegionManager = "region-manager"
)

// Wire actions of the parent protocol.
const (
	ActionSession       = "session"
	ActionClose         = "close"
	ActionUpgrade       = "upgrade"
	ActionExit          = "exit"
	ActionDataspaceInfo = "dataspace-info"
	ActionRAMAlloc      = "ram-alloc"
	ActionRAMFree       = "ram-free"
)

// Error codes carried in failure responses. Callers branch on
// ErrOutOfMetadata via errors.Is; the remaining codes are
// informational.
const (
	CodeUnknownService = "unknown-service"
	CodeDenied         = "denied"
	CodeOutOfMetadata  = "out-of-metadata"
	CodeUnknownHandle  = "unknown-handle"
)

// ErrOutOfMetadata is the remote owner's refusal to serve a request
// because the session's accounting quota is exhausted. It is the only
// failure with a built-in recovery path (lib/ram's single
// upgrade-and-retry).
var ErrOutOfMetadata = errors.New("parent: session quota exhausted")

// ServiceError is a structured failure response from the parent.
type ServiceError struct {
	Action  string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("parent: %s failed (%s): %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("parent: %s failed: %s", e.Action, e.Message)
}

// Unwrap surfaces the sentinel for quota exhaustion so callers can
// use errors.Is without parsing codes.
func (e *ServiceError) Unwrap() error {
	if e.Code == CodeOutOfMetadata {
		return ErrOutOfMetadata
	}
	return nil
}

// Response is the wire envelope for every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Code  string           `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Transport is the parent interface as seen by the child: session
// lifecycle, quota upgrades, process exit, and the session-scoped
// resource operations the emulation needs. All calls are synchronous;
// they complete or fail, never wait indefinitely beyond the socket
// timeouts.
type Transport interface {
	// RequestSession opens a session of the named service. The args
	// string carries service-specific parameters ("size=0x100000"
	// for a region-manager window, quota donations for real
	// services).
	RequestSession(ctx context.Context, service, args string) (cap.Session, error)

	// CloseSession releases a session and everything it owns.
	CloseSession(ctx context.Context, session cap.Session) error

	// UpgradeQuota donates additional quota to an existing session.
	// Fire-and-forget from the caller's perspective: an acknowledged
	// send is success.
	UpgradeQuota(ctx context.Context, session cap.Session, amount string) error

	// Exit signals orderly process termination to the owner.
	Exit(ctx context.Context, code int) error

	// RAMAlloc allocates a dataspace of the given size from a RAM
	// session. Exhaustion is reported as ErrOutOfMetadata.
	RAMAlloc(ctx context.Context, session cap.Session, size uint64, cached bool) (cap.Dataspace, error)

	// RAMFree releases an allocated dataspace.
	RAMFree(ctx context.Context, session cap.Session, ds cap.Dataspace) error

	// DataspaceInfo reports a dataspace's observable attributes.
	DataspaceInfo(ctx context.Context, ds cap.Dataspace) (dataspace.Info, error)
}

// Request payloads. The action field routes; the rest is
// action-specific.

type sessionRequest struct {
	Action  string `cbor:"action"`
	Service string `cbor:"service"`
	Args    string `cbor:"args,omitempty"`
}

type sessionReply struct {
	Session cap.Session `cbor:"session"`
}

type closeRequest struct {
	Action  string      `cbor:"action"`
	Session cap.Session `cbor:"session"`
}

type upgradeRequest struct {
	Action  string      `cbor:"action"`
	Session cap.Session `cbor:"session"`
	Amount  string      `cbor:"amount"`
}

type exitRequest struct {
	Action string `cbor:"action"`
	Code   int    `cbor:"code"`
}

type ramAllocRequest struct {
	Action  string      `cbor:"action"`
	Session cap.Session `cbor:"session"`
	Size    uint64      `cbor:"size"`
	Cached  bool        `cbor:"cached"`
}

type ramAllocReply struct {
	Dataspace cap.Dataspace `cbor:"dataspace"`
}

type ramFreeRequest struct {
	Action    string        `cbor:"action"`
	Session   cap.Session   `cbor:"session"`
	Dataspace cap.Dataspace `cbor:"dataspace"`
}

type dataspaceInfoRequest struct {
	Action    string        `cbor:"action"`
	Dataspace cap.Dataspace `cbor:"dataspace"`
}
