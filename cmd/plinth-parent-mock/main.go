// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Plinth-parent-mock is a stand-in resource owner for development and
// integration tests. It answers the parent protocol on a Unix socket,
// backing RAM dataspaces with files in a tmpfs directory so child
// processes can map them, and enforces a per-session metadata quota so
// the out-of-metadata/upgrade path is exercisable end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/plinth-foundation/plinth/lib/cap"
	"github.com/plinth-foundation/plinth/lib/codec"
	"github.com/plinth-foundation/plinth/lib/dataspace"
	"github.com/plinth-foundation/plinth/lib/parent"
	"github.com/plinth-foundation/plinth/lib/process"
	"github.com/plinth-foundation/plinth/lib/version"
)

// metadataPerAlloc is the bookkeeping cost charged to a session for
// each live dataspace.
const metadataPerAlloc = 1024

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var socketPath string
	var dataspaceDir string
	var sessionQuota uint64
	var showVersion bool

	flagSet := pflag.NewFlagSet("plinth-parent-mock", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "Unix socket path to serve the parent protocol on (required)")
	flagSet.StringVar(&dataspaceDir, "dataspace-dir", "/dev/shm", "directory for dataspace backing files (must be mappable)")
	flagSet.Uint64Var(&sessionQuota, "session-quota", 8192, "initial metadata quota per session in bytes")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("plinth-parent-mock")
		return nil
	}
	if socketPath == "" {
		return fmt.Errorf("--socket is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mock := newMockParent(dataspaceDir, sessionQuota, logger)
	defer mock.cleanup()

	server := parent.NewServer(socketPath, logger)
	mock.register(server)

	logger.Info("mock parent starting",
		"socket", socketPath, "dataspace_dir", dataspaceDir,
		"session_quota", sessionQuota)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// session is one granted session and its metadata account.
type session struct {
	service string
	quota   uint64
	used    uint64
}

// backingFile is one RAM dataspace served from the tmpfs directory.
type backingFile struct {
	path    string
	size    uint64
	session uint64
}

// mockParent holds all state behind the socket handlers.
type mockParent struct {
	dir          string
	initialQuota uint64
	logger       *slog.Logger

	mu          sync.Mutex
	nextSession uint64
	sessions    map[uint64]*session
	nextDS      uint64
	dataspaces  map[uint64]*backingFile
}

func newMockParent(dir string, initialQuota uint64, logger *slog.Logger) *mockParent {
	return &mockParent{
		dir:          dir,
		initialQuota: initialQuota,
		logger:       logger,
		sessions:     make(map[uint64]*session),
		dataspaces:   make(map[uint64]*backingFile),
	}
}

func (m *mockParent) register(server *parent.Server) {
	server.Handle(parent.ActionSession, m.handleSession)
	server.Handle(parent.ActionClose, m.handleClose)
	server.Handle(parent.ActionUpgrade, m.handleUpgrade)
	server.Handle(parent.ActionExit, m.handleExit)
	server.Handle(parent.ActionRAMAlloc, m.handleRAMAlloc)
	server.Handle(parent.ActionRAMFree, m.handleRAMFree)
	server.Handle(parent.ActionDataspaceInfo, m.handleDataspaceInfo)
}

type sessionRequest struct {
	Service string `cbor:"service"`
	Args    string `cbor:"args,omitempty"`
}

type sessionReply struct {
	Session cap.Session `cbor:"session"`
}

func (m *mockParent) handleSession(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req sessionRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	switch req.Service {
	case parent.ServiceRAM, parent.ServiceCPU, parent.ServicePD:
	default:
		return nil, parent.Failure(parent.CodeUnknownService, "service %q", req.Service)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSession++
	m.sessions[m.nextSession] = &session{service: req.Service, quota: m.initialQuota}
	m.logger.Info("session granted",
		"id", m.nextSession, "service", req.Service, "args", req.Args)
	return sessionReply{Session: cap.Session{ID: m.nextSession}}, nil
}

type closeRequest struct {
	Session cap.Session `cbor:"session"`
}

func (m *mockParent) handleClose(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req closeRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[req.Session.ID]; !ok {
		return nil, parent.Failure(parent.CodeUnknownHandle, "session %d", req.Session.ID)
	}
	delete(m.sessions, req.Session.ID)

	// Everything the session allocated goes with it.
	for id, backing := range m.dataspaces {
		if backing.session == req.Session.ID {
			os.Remove(backing.path)
			delete(m.dataspaces, id)
		}
	}
	m.logger.Info("session closed", "id", req.Session.ID)
	return nil, nil
}

type upgradeRequest struct {
	Session cap.Session `cbor:"session"`
	Amount  string      `cbor:"amount"`
}

func (m *mockParent) handleUpgrade(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req upgradeRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	amount, err := parseQuota(req.Amount)
	if err != nil {
		return nil, parent.Failure(parent.CodeDenied, "quota argument %q: %v", req.Amount, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[req.Session.ID]
	if !ok {
		return nil, parent.Failure(parent.CodeUnknownHandle, "session %d", req.Session.ID)
	}
	s.quota += amount
	m.logger.Info("session quota upgraded",
		"id", req.Session.ID, "amount", amount, "quota", s.quota)
	return nil, nil
}

type exitRequest struct {
	Code int `cbor:"code"`
}

func (m *mockParent) handleExit(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req exitRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	m.logger.Info("child announced exit", "code", req.Code)
	return nil, nil
}

type ramAllocRequest struct {
	Session cap.Session `cbor:"session"`
	Size    uint64      `cbor:"size"`
	Cached  bool        `cbor:"cached"`
}

type ramAllocReply struct {
	Dataspace cap.Dataspace `cbor:"dataspace"`
}

func (m *mockParent) handleRAMAlloc(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req ramAllocRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Size == 0 {
		return nil, parent.Failure(parent.CodeDenied, "zero-size allocation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[req.Session.ID]
	if !ok || s.service != parent.ServiceRAM {
		return nil, parent.Failure(parent.CodeUnknownHandle, "RAM session %d", req.Session.ID)
	}
	if s.used+metadataPerAlloc > s.quota {
		m.logger.Info("session out of metadata",
			"id", req.Session.ID, "used", s.used, "quota", s.quota)
		return nil, parent.Failure(parent.CodeOutOfMetadata,
			"session %d metadata exhausted (%d of %d)", req.Session.ID, s.used, s.quota)
	}

	m.nextDS++
	path := filepath.Join(m.dir, fmt.Sprintf("plinth-ds-%d", m.nextDS))
	if err := createBacking(path, req.Size); err != nil {
		m.nextDS--
		return nil, fmt.Errorf("creating backing file: %w", err)
	}
	s.used += metadataPerAlloc
	m.dataspaces[m.nextDS] = &backingFile{path: path, size: req.Size, session: req.Session.ID}
	m.logger.Debug("dataspace allocated",
		"id", m.nextDS, "size", req.Size, "session", req.Session.ID)
	return ramAllocReply{Dataspace: cap.Dataspace{ID: m.nextDS}}, nil
}

type ramFreeRequest struct {
	Session   cap.Session   `cbor:"session"`
	Dataspace cap.Dataspace `cbor:"dataspace"`
}

func (m *mockParent) handleRAMFree(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req ramFreeRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	backing, ok := m.dataspaces[req.Dataspace.ID]
	if !ok || backing.session != req.Session.ID {
		return nil, parent.Failure(parent.CodeUnknownHandle, "dataspace %d", req.Dataspace.ID)
	}
	delete(m.dataspaces, req.Dataspace.ID)
	if s, ok := m.sessions[req.Session.ID]; ok {
		s.used -= metadataPerAlloc
	}
	os.Remove(backing.path)
	return nil, nil
}

type dataspaceInfoRequest struct {
	Dataspace cap.Dataspace `cbor:"dataspace"`
}

func (m *mockParent) handleDataspaceInfo(ctx context.Context, payload codec.RawMessage) (any, error) {
	var req dataspaceInfoRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	backing, ok := m.dataspaces[req.Dataspace.ID]
	if !ok {
		return nil, parent.Failure(parent.CodeUnknownHandle, "dataspace %d", req.Dataspace.ID)
	}
	return dataspace.Info{
		Size:     backing.size,
		Writable: true,
		Path:     backing.path,
	}, nil
}

// cleanup removes every backing file still on disk.
func (m *mockParent) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, backing := range m.dataspaces {
		os.Remove(backing.path)
		delete(m.dataspaces, id)
	}
}

func createBacking(path string, size uint64) error {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// parseQuota parses a quota argument like "ram_quota=8K" or a bare
// "8192" into bytes.
func parseQuota(arg string) (uint64, error) {
	value := arg
	if _, after, found := strings.Cut(arg, "="); found {
		value = after
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty amount")
	}

	multiplier := uint64(1)
	switch value[len(value)-1] {
	case 'K', 'k':
		multiplier = 1 << 10
		value = value[:len(value)-1]
	case 'M', 'm':
		multiplier = 1 << 20
		value = value[:len(value)-1]
	case 'G', 'g':
		multiplier = 1 << 30
		value = value[:len(value)-1]
	}
	n, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
