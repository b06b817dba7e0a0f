// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"fmt"
	"sort"

	"github.com/lockstep-foundation/lockstep/abi"
)

const (
	// firstLocalPort is where each process's local port counter
	// starts. The value matches no host convention on purpose: local
	// ports are a virtual namespace.
	firstLocalPort = 1024

	// firstCanonicalPort is where the system-wide canonical counter
	// starts.
	firstCanonicalPort = 10000
)

// Key identifies a NAT entry: one socket endpoint of one process.
type Key struct {
	PID       uint64
	LocalPort uint32
}

// pendingConn is a connection sitting in a listener's backlog. Both
// canonical endpoints were allocated when the connect effect was
// applied, so the eventual accept allocates no canonical numbering of
// its own. earlyData holds bytes the client sent before the accept
// committed, as a real stack would buffer them.
type pendingConn struct {
	clientCanonical uint32
	serverCanonical uint32
	earlyData       []byte
}

// Listener is a listening endpoint with its backlog queue.
type Listener struct {
	Socket  *Socket
	Backlog int
	pending []*pendingConn
}

// PendingCount returns the number of connections awaiting accept.
func (l *Listener) PendingCount() int { return len(l.pending) }

// Reservation is the numbering consumed by a prepared accept: the new
// connection's local port, plus the counter value to restore on abort.
type Reservation struct {
	PID       uint64
	LocalPort uint32

	prevLocal uint32
}

// Table is the replica's deterministic network table. It is mutated
// only by the scheduler while applying ordered effects; nothing here
// locks, by design of the single-writer discipline.
type Table struct {
	canonicalNext uint32
	localNext     map[uint64]uint32

	// bindings maps (pid, local port) to the canonical port it holds.
	// At most one key holds any canonical port at a time.
	bindings map[Key]uint32

	listeners map[uint32]*Listener // by listener canonical port
	sockets   map[uint32]*Socket   // connection endpoints by canonical port
}

// NewTable returns an empty table with counters at their well-known
// starting values.
func NewTable() *Table {
	return &Table{
		canonicalNext: firstCanonicalPort,
		localNext:     make(map[uint64]uint32),
		bindings:      make(map[Key]uint32),
		listeners:     make(map[uint32]*Listener),
		sockets:       make(map[uint32]*Socket),
	}
}

// nextLocal allocates the next strictly increasing local port for pid.
func (t *Table) nextLocal(pid uint64) uint32 {
	port, ok := t.localNext[pid]
	if !ok {
		port = firstLocalPort
	}
	t.localNext[pid] = port + 1
	return port
}

// OpenSocket allocates a new unconnected socket with the process's
// next local port.
func (t *Table) OpenSocket(pid uint64) *Socket {
	return &Socket{
		PID:       pid,
		LocalPort: t.nextLocal(pid),
		State:     StateUnconnected,
	}
}

// Listen turns an unconnected socket into a listener, binding it to a
// freshly allocated canonical port.
func (t *Table) Listen(sock *Socket, backlog int) error {
	if sock.State != StateUnconnected {
		return fmt.Errorf("listen in state %s: %w", sock.State, abi.ErrInvalidArgument)
	}
	key := Key{PID: sock.PID, LocalPort: sock.LocalPort}
	if _, exists := t.bindings[key]; exists {
		return fmt.Errorf("port %d of process %d: %w", sock.LocalPort, sock.PID, abi.ErrAlreadyListening)
	}
	if backlog <= 0 {
		backlog = 1
	}

	canonical := t.canonicalNext
	t.canonicalNext++

	sock.State = StateListening
	sock.Canonical = canonical
	t.bindings[key] = canonical
	t.listeners[canonical] = &Listener{Socket: sock, Backlog: backlog}
	return nil
}

// Connect joins an unconnected socket to the listener at
// targetCanonical. Both connection endpoints' canonical ports are
// allocated here — before any accept — so accept success or failure
// cannot perturb canonical numbering. The connection is enqueued in
// the listener's backlog for a later accept.
func (t *Table) Connect(sock *Socket, targetCanonical uint32) error {
	if sock.State != StateUnconnected {
		return fmt.Errorf("connect in state %s: %w", sock.State, abi.ErrInvalidArgument)
	}
	listener, ok := t.listeners[targetCanonical]
	if !ok {
		return fmt.Errorf("canonical port %d: %w", targetCanonical, abi.ErrConnectionRefused)
	}
	if len(listener.pending) >= listener.Backlog {
		return fmt.Errorf("canonical port %d backlog full: %w", targetCanonical, abi.ErrConnectionRefused)
	}

	clientCanonical := t.canonicalNext
	serverCanonical := t.canonicalNext + 1
	t.canonicalNext += 2

	key := Key{PID: sock.PID, LocalPort: sock.LocalPort}
	sock.State = StateConnected
	sock.Canonical = clientCanonical
	sock.Peer = Peer{Canonical: serverCanonical}
	t.bindings[key] = clientCanonical
	t.sockets[clientCanonical] = sock

	listener.pending = append(listener.pending, &pendingConn{
		clientCanonical: clientCanonical,
		serverCanonical: serverCanonical,
	})
	return nil
}

// LookupListener returns the listener owned by (pid, localPort).
func (t *Table) LookupListener(pid uint64, localPort uint32) (*Listener, error) {
	canonical, ok := t.bindings[Key{PID: pid, LocalPort: localPort}]
	if !ok {
		return nil, fmt.Errorf("port %d of process %d: %w", localPort, pid, abi.ErrBadDescriptor)
	}
	listener, ok := t.listeners[canonical]
	if !ok {
		return nil, fmt.Errorf("port %d of process %d is not listening: %w", localPort, pid, abi.ErrInvalidArgument)
	}
	return listener, nil
}

// PrepareAccept reserves the local port the accepted connection will
// occupy if the accept succeeds. The descriptor half of the
// reservation is the caller's job (the descriptor table lives in the
// sandbox). Every prepare must be paired with exactly one
// CommitAccept or AbortAccept before the next numbering operation for
// that process.
func (t *Table) PrepareAccept(pid uint64) Reservation {
	prev, ok := t.localNext[pid]
	if !ok {
		prev = firstLocalPort
		t.localNext[pid] = prev
	}
	return Reservation{PID: pid, LocalPort: t.nextLocal(pid), prevLocal: prev}
}

// CommitAccept pops the listener's oldest pending connection and
// materializes it as a connected socket on the reserved local port.
// Early data the client sent before the accept is delivered into the
// new socket's receive buffer. Fails with abi.ErrWouldBlock when the
// backlog is empty; the caller must then AbortAccept.
func (t *Table) CommitAccept(listener *Listener, res Reservation) (*Socket, error) {
	if len(listener.pending) == 0 {
		return nil, fmt.Errorf("accept on canonical port %d: %w", listener.Socket.Canonical, abi.ErrWouldBlock)
	}
	conn := listener.pending[0]
	listener.pending = listener.pending[1:]

	sock := &Socket{
		PID:       res.PID,
		LocalPort: res.LocalPort,
		Canonical: conn.serverCanonical,
		State:     StateConnected,
		Peer:      Peer{Canonical: conn.clientCanonical},
	}
	if len(conn.earlyData) > 0 {
		sock.Deliver(conn.earlyData)
	}
	t.bindings[Key{PID: res.PID, LocalPort: res.LocalPort}] = conn.serverCanonical
	t.sockets[conn.serverCanonical] = sock
	return sock, nil
}

// AbortAccept rolls the process's local port counter back to its
// pre-attempt value, so that a failed accept consumes no numbering on
// any replica.
func (t *Table) AbortAccept(res Reservation) {
	t.localNext[res.PID] = res.prevLocal
}

// RouteIncoming delivers payload to the endpoint holding the given
// canonical port. A connection endpoint receives into its socket
// buffer; a not-yet-accepted connection buffers in the listener's
// backlog entry. Returns abi.ErrNotFound for a canonical port nothing
// holds.
func (t *Table) RouteIncoming(canonical uint32, payload []byte) error {
	if sock, ok := t.sockets[canonical]; ok {
		sock.Deliver(payload)
		return nil
	}
	for _, listener := range t.listeners {
		for _, conn := range listener.pending {
			if conn.serverCanonical == canonical {
				conn.earlyData = append(conn.earlyData, payload...)
				return nil
			}
		}
	}
	return fmt.Errorf("canonical port %d: %w", canonical, abi.ErrNotFound)
}

// PeerOf returns the connected socket holding canonical, for
// delivering a send's payload locally when both endpoints live in
// this replica's process set.
func (t *Table) PeerOf(sock *Socket) (*Socket, bool) {
	peer, ok := t.sockets[sock.Peer.Canonical]
	return peer, ok
}

// Close removes the socket's NAT state. Its canonical port is retired,
// never reused (the counter only grows), and other descriptors'
// canonical ports are unaffected. Closing a listener orphans its
// pending backlog: each connected client endpoint is marked EOF and
// returned so the caller can wake a receiver blocked on it.
func (t *Table) Close(sock *Socket) []*Socket {
	key := Key{PID: sock.PID, LocalPort: sock.LocalPort}
	if canonical, ok := t.bindings[key]; ok && canonical == sock.Canonical {
		delete(t.bindings, key)
	}
	var orphaned []*Socket
	if sock.Canonical != 0 {
		if listener, ok := t.listeners[sock.Canonical]; ok {
			for _, conn := range listener.pending {
				if client, ok := t.sockets[conn.clientCanonical]; ok {
					client.EOF = true
					orphaned = append(orphaned, client)
				}
			}
		}
		delete(t.listeners, sock.Canonical)
		delete(t.sockets, sock.Canonical)
	}
	sock.State = StateClosed
	return orphaned
}

// Bindings returns the table's (key, canonical) pairs sorted by pid
// then local port. Used by the digest and by tests asserting the
// at-most-one-canonical-per-key invariant.
func (t *Table) Bindings() []BindingEntry {
	out := make([]BindingEntry, 0, len(t.bindings))
	for key, canonical := range t.bindings {
		out = append(out, BindingEntry{Key: key, Canonical: canonical})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.PID != out[j].Key.PID {
			return out[i].Key.PID < out[j].Key.PID
		}
		return out[i].Key.LocalPort < out[j].Key.LocalPort
	})
	return out
}

// BindingEntry is one NAT entry in a deterministic listing.
type BindingEntry struct {
	Key       Key
	Canonical uint32
}
