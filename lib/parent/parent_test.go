// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package parent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/codec"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server on a fresh socket and returns a connected
// client. The server stops when the test ends.
func startServer(t *testing.T, register func(*Server)) *Client {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "parent.sock")

	server := NewServer(socketPath, discardLogger())
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx)

	// Wait for the socket to come up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	return NewClient(socketPath, discardLogger())
}

func TestRequestSessionRoundtrip(t *testing.T) {
	var gotService, gotArgs string
	client := startServer(t, func(server *Server) {
		server.Handle(ActionSession, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			var req sessionRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			gotService, gotArgs = req.Service, req.Args
			return sessionReply{Session: cap.Session{ID: 7}}, nil
		})
	})

	session, err := client.RequestSession(context.Background(), ServiceRAM, "quota=1M")
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}
	if session.ID != 7 {
		t.Errorf("session ID = %d, want 7", session.ID)
	}
	if gotService != ServiceRAM || gotArgs != "quota=1M" {
		t.Errorf("server saw service=%q args=%q", gotService, gotArgs)
	}
}

func TestRequestSessionRejectsInvalidHandle(t *testing.T) {
	client := startServer(t, func(server *Server) {
		server.Handle(ActionSession, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			return sessionReply{}, nil
		})
	})

	if _, err := client.RequestSession(context.Background(), ServicePD, ""); err == nil {
		t.Fatal("zero session handle accepted")
	}
}

func TestCodedFailureUnwrapsToSentinel(t *testing.T) {
	client := startServer(t, func(server *Server) {
		server.Handle(ActionRAMAlloc, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			return nil, Failure(CodeOutOfMetadata, "session quota exhausted")
		})
	})

	_, err := client.RAMAlloc(context.Background(), cap.Session{ID: 1}, 4096, true)
	if !errors.Is(err, ErrOutOfMetadata) {
		t.Fatalf("error %v does not match ErrOutOfMetadata", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error %T, want *ServiceError", err)
	}
	if serviceErr.Code != CodeOutOfMetadata {
		t.Errorf("code = %q, want %q", serviceErr.Code, CodeOutOfMetadata)
	}
}

func TestUnknownActionFails(t *testing.T) {
	client := startServer(t, func(server *Server) {})

	err := client.Exit(context.Background(), 0)
	if err == nil {
		t.Fatal("unregistered action succeeded")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error %T, want *ServiceError", err)
	}
	if serviceErr.Code != CodeDenied {
		t.Errorf("code = %q, want %q", serviceErr.Code, CodeDenied)
	}
}

func TestDataspaceInfoRoundtrip(t *testing.T) {
	want := dataspace.Info{Size: 0x2000, Writable: true, Path: "/dev/shm/plinth-ds-3"}
	client := startServer(t, func(server *Server) {
		server.Handle(ActionDataspaceInfo, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			var req dataspaceInfoRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			if req.Dataspace.ID != 3 {
				return nil, Failure(CodeUnknownHandle, "dataspace %d", req.Dataspace.ID)
			}
			return want, nil
		})
	})

	info, err := client.DataspaceInfo(context.Background(), cap.Dataspace{ID: 3})
	if err != nil {
		t.Fatalf("DataspaceInfo: %v", err)
	}
	if info != want {
		t.Errorf("info = %+v, want %+v", info, want)
	}
}

func TestAllocFreeUpgradeClose(t *testing.T) {
	var freed cap.Dataspace
	var upgraded string
	var closed cap.Session
	client := startServer(t, func(server *Server) {
		server.Handle(ActionRAMAlloc, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			var req ramAllocRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			if req.Size != 0x1000 || !req.Cached {
				return nil, Failure(CodeDenied, "unexpected request %+v", req)
			}
			return ramAllocReply{Dataspace: cap.Dataspace{ID: 11}}, nil
		})
		server.Handle(ActionRAMFree, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			var req ramFreeRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			freed = req.Dataspace
			return nil, nil
		})
		server.Handle(ActionUpgrade, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			var req upgradeRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			upgraded = req.Amount
			return nil, nil
		})
		server.Handle(ActionClose, func(ctx context.Context, payload codec.RawMessage) (any, error) {
			var req closeRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			closed = req.Session
			return nil, nil
		})
	})

	ctx := context.Background()
	session := cap.Session{ID: 2}

	ds, err := client.RAMAlloc(ctx, session, 0x1000, true)
	if err != nil {
		t.Fatalf("RAMAlloc: %v", err)
	}
	if ds.ID != 11 {
		t.Errorf("dataspace ID = %d, want 11", ds.ID)
	}

	if err := client.UpgradeQuota(ctx, session, "ram_quota=8K"); err != nil {
		t.Fatalf("UpgradeQuota: %v", err)
	}
	if upgraded != "ram_quota=8K" {
		t.Errorf("server saw upgrade %q", upgraded)
	}

	if err := client.RAMFree(ctx, session, ds); err != nil {
		t.Fatalf("RAMFree: %v", err)
	}
	if freed != ds {
		t.Errorf("server freed %+v, want %+v", freed, ds)
	}

	if err := client.CloseSession(ctx, session); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed != session {
		t.Errorf("server closed %+v, want %+v", closed, session)
	}
}

func TestDialFailureIsPlainError(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"), discardLogger())
	err := client.Exit(context.Background(), 1)
	if err == nil {
		t.Fatal("dial to absent socket succeeded")
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Fatalf("connection failure surfaced as ServiceError: %v", err)
	}
}
