// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"fmt"

	"github.com/lockstep-foundation/lockstep/sandbox"
)

// SocketState tracks a socket through its lifecycle:
//
//	Unconnected → Listening
//	Unconnected → Connected → Closed
//	Listening → Closed
//
// Accepted connections are born Connected.
type SocketState uint8

const (
	StateUnconnected SocketState = iota
	StateListening
	StateConnected
	StateClosed
)

// String returns the lowercase state name.
func (s SocketState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Peer identifies the remote endpoint of a connection by its canonical
// port. The owning process never sees canonical ports directly; they
// exist for routing and for the state digest.
type Peer struct {
	Canonical uint32
}

// Socket is the handle behind a socket descriptor. It implements
// sandbox.Handle so it lives in the owning process's descriptor table
// like any other resource; the nat Table keeps its own index from
// canonical ports to sockets for routing.
type Socket struct {
	PID       uint64
	LocalPort uint32

	// Canonical is zero until the socket becomes a listener or a
	// connection endpoint.
	Canonical uint32

	State SocketState
	Peer  Peer

	// ShutRD and ShutWR record half-closes. A fully shut-down socket
	// remains Connected until closed; the flags only gate I/O.
	ShutRD bool
	ShutWR bool

	// EOF is set when the peer closes or shuts down its write side;
	// once the receive buffer drains, reads return zero bytes.
	EOF bool

	recvBuf []byte
	readPtr int
}

// HandleKind marks the descriptor as a socket.
func (s *Socket) HandleKind() sandbox.HandleKind { return sandbox.HandleSocket }

// CloseHandle marks the socket closed. The nat table entry is removed
// separately by Table.Close, driven by the same ordered effect.
func (s *Socket) CloseHandle() error {
	s.State = StateClosed
	return nil
}

// Deliver appends routed bytes to the receive buffer. Called only by
// the scheduler while applying an ordered deliver effect.
func (s *Socket) Deliver(data []byte) {
	s.recvBuf = append(s.recvBuf, data...)
}

// Pending reports whether unread bytes are buffered.
func (s *Socket) Pending() bool { return s.readPtr < len(s.recvBuf) }

// Read drains up to size buffered bytes, returning nil when nothing is
// pending. The syscalls layer turns a nil read on an open socket into
// a blocking intent.
func (s *Socket) Read(size uint32) []byte {
	if !s.Pending() {
		return nil
	}
	end := s.readPtr + int(size)
	if end > len(s.recvBuf) {
		end = len(s.recvBuf)
	}
	out := make([]byte, end-s.readPtr)
	copy(out, s.recvBuf[s.readPtr:end])
	s.readPtr = end
	if s.readPtr == len(s.recvBuf) {
		s.recvBuf = s.recvBuf[:0]
		s.readPtr = 0
	}
	return out
}

// buffered returns the unread portion of the receive buffer.
func (s *Socket) buffered() []byte {
	return s.recvBuf[s.readPtr:]
}
