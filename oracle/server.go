// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/lockstep-foundation/lockstep/lib/netutil"
	"github.com/lockstep-foundation/lockstep/wire"
)

// Server accepts replica connections and feeds their batches through
// a shared Sequencer. One goroutine per connection; the sequencer's
// lock is the only synchronization the order needs.
type Server struct {
	sequencer *Sequencer
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a server around sequencer.
func NewServer(sequencer *Sequencer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		sequencer: sequencer,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Inject appends an oracle-originated effect to the sequence.
func (s *Server) Inject(intent wire.Intent) error {
	return s.sequencer.Inject(intent)
}

// Serve accepts connections until ctx is done or the listener fails.
// It closes the listener, and every open connection, on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting replica connection: %w", err)
		}
		s.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	var hello wire.Hello
	frameType, err := wire.ReadFrame(conn, &hello)
	if err != nil {
		s.logger.Warn("replica handshake failed", "remote", remote, "error", err)
		return
	}
	if frameType != wire.FrameHello {
		s.logger.Warn("replica sent frame before hello",
			"remote", remote, "frame_type", frameType)
		return
	}
	logger := s.logger.With("replica", hello.Replica, "remote", remote)
	logger.Info("replica connected", "applied_seq", hello.AppliedSeq)

	for {
		var batch wire.Batch
		frameType, err := wire.ReadFrame(conn, &batch)
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				logger.Info("replica disconnected")
			} else {
				logger.Warn("reading batch", "error", err)
			}
			return
		}
		if frameType != wire.FrameSubmit {
			logger.Warn("unexpected frame type", "frame_type", frameType)
			return
		}
		if batch.Replica != hello.Replica {
			logger.Warn("batch replica mismatch", "batch_replica", batch.Replica)
			return
		}

		ordered, err := s.sequencer.Order(batch)
		if err != nil {
			logger.Error("ordering batch failed", "tick", batch.Tick, "error", err)
			return
		}
		if err := wire.WriteFrame(conn, wire.FrameOrdered, &ordered); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Warn("writing ordered response", "error", err)
			}
			return
		}
	}
}
