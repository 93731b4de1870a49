// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

package parent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/plinth-foundation/plinth/lib/codec"
)

// maxRequestSize bounds a single CBOR request, mirroring the client's
// response bound.
const maxRequestSize = 64 * 1024

// requestReadTimeout is how long the server waits for a connected
// client to deliver its request.
const requestReadTimeout = 15 * time.Second

// ActionFunc handles one request. The raw payload is the full request
// record including the action field; handlers decode the shape they
// expect. Returning a *ServiceError produces a coded failure response;
// any other error becomes an uncoded failure.
type ActionFunc func(ctx context.Context, payload codec.RawMessage) (any, error)

// Failure builds a coded failure for a handler to return.
func Failure(code, format string, args ...any) error {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Server answers the parent protocol on a Unix socket. One
// request-response exchange per connection. The mock parent binary and
// the transport tests are its only producers; a real parent would sit
// behind the same socket.
type Server struct {
	socketPath string
	logger     *slog.Logger

	mu       sync.Mutex
	handlers map[string]ActionFunc
}

// actionEnvelope pulls out just the routing field.
type actionEnvelope struct {
	Action string `cbor:"action"`
}

// NewServer creates a server for the Unix socket at socketPath. Call
// Handle to register actions, then Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		logger:     logger,
		handlers:   make(map[string]ActionFunc),
	}
}

// Handle registers the handler for an action. Registering twice for
// the same action replaces the earlier handler.
func (s *Server) Handle(action string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
}

// Serve listens on the socket and dispatches connections until ctx is
// cancelled. A stale socket file from an earlier run is removed before
// binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	context.AfterFunc(ctx, func() {
		listener.Close()
	})

	s.logger.Info("parent socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	var payload codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&payload); err != nil {
		s.logger.Warn("unreadable request", "error", err)
		return
	}

	var envelope actionEnvelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		if diag, diagErr := codec.Diagnose(payload); diagErr == nil {
			s.logger.Warn("malformed request", "request", diag, "error", err)
		}
		s.writeFailure(conn, "", fmt.Errorf("malformed request: %w", err))
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[envelope.Action]
	s.mu.Unlock()
	if !ok {
		s.writeFailure(conn, CodeDenied, fmt.Errorf("unsupported action %q", envelope.Action))
		return
	}

	result, err := handler(ctx, payload)
	if err != nil {
		s.logger.Warn("request failed", "action", envelope.Action, "error", err)
		s.writeFailure(conn, "", err)
		return
	}
	s.writeSuccess(conn, envelope.Action, result)
}

// writeFailure sends a failure envelope. A *ServiceError in the chain
// supplies the code; fallbackCode covers plain errors.
func (s *Server) writeFailure(conn net.Conn, fallbackCode string, err error) {
	response := Response{Code: fallbackCode, Error: err.Error()}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code
		response.Error = serviceErr.Message
	}
	if writeErr := codec.NewEncoder(conn).Encode(response); writeErr != nil {
		s.logger.Warn("writing failure response", "error", writeErr)
	}
}

func (s *Server) writeSuccess(conn net.Conn, action string, result any) {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.logger.Error("encoding result", "action", action, "error", err)
			s.writeFailure(conn, "", fmt.Errorf("encoding result: %w", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Warn("writing response", "action", action, "error", err)
	}
}
