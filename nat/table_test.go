// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lockstep-foundation/lockstep/abi"
)

func TestLocalPortsPerProcess(t *testing.T) {
	table := NewTable()

	a1 := table.OpenSocket(1)
	a2 := table.OpenSocket(1)
	b1 := table.OpenSocket(2)

	if a1.LocalPort != 1024 || a2.LocalPort != 1025 {
		t.Fatalf("process 1 ports = %d, %d, want 1024, 1025", a1.LocalPort, a2.LocalPort)
	}
	if b1.LocalPort != 1024 {
		t.Fatalf("process 2 first port = %d, want 1024", b1.LocalPort)
	}
}

func TestListenAllocatesCanonical(t *testing.T) {
	table := NewTable()

	sock := table.OpenSocket(1)
	if err := table.Listen(sock, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if sock.State != StateListening {
		t.Fatalf("state = %s, want listening", sock.State)
	}
	if sock.Canonical != 10000 {
		t.Fatalf("canonical = %d, want 10000", sock.Canonical)
	}

	// A second listen on the same socket must fail without consuming
	// another canonical port.
	if err := table.Listen(sock, 4); !errors.Is(err, abi.ErrInvalidArgument) {
		t.Fatalf("relisten error = %v, want ErrInvalidArgument", err)
	}
	next := table.OpenSocket(2)
	if err := table.Listen(next, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if next.Canonical != 10001 {
		t.Fatalf("canonical = %d, want 10001", next.Canonical)
	}
}

func TestConnectRefusedWithoutListener(t *testing.T) {
	table := NewTable()

	sock := table.OpenSocket(1)
	err := table.Connect(sock, 10000)
	if !errors.Is(err, abi.ErrConnectionRefused) {
		t.Fatalf("connect error = %v, want ErrConnectionRefused", err)
	}
	if sock.State != StateUnconnected {
		t.Fatalf("state after refused connect = %s, want unconnected", sock.State)
	}
}

func TestConnectRefusedWhenBacklogFull(t *testing.T) {
	table := NewTable()

	server := table.OpenSocket(1)
	if err := table.Listen(server, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}

	first := table.OpenSocket(2)
	if err := table.Connect(first, server.Canonical); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second := table.OpenSocket(2)
	if err := table.Connect(second, server.Canonical); !errors.Is(err, abi.ErrConnectionRefused) {
		t.Fatalf("second connect error = %v, want ErrConnectionRefused", err)
	}
}

func TestAcceptDeliversConnection(t *testing.T) {
	table := NewTable()

	server := table.OpenSocket(1)
	if err := table.Listen(server, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	client := table.OpenSocket(2)
	if err := table.Connect(client, server.Canonical); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res := table.PrepareAccept(1)
	listener, err := table.LookupListener(1, server.LocalPort)
	if err != nil {
		t.Fatalf("lookup listener: %v", err)
	}
	conn, err := table.CommitAccept(listener, res)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if conn.PID != 1 || conn.State != StateConnected {
		t.Fatalf("accepted socket pid=%d state=%s", conn.PID, conn.State)
	}
	if conn.Peer.Canonical != client.Canonical {
		t.Fatalf("server peer = %d, want client canonical %d", conn.Peer.Canonical, client.Canonical)
	}
	if client.Peer.Canonical != conn.Canonical {
		t.Fatalf("client peer = %d, want server canonical %d", client.Peer.Canonical, conn.Canonical)
	}
}

func TestAbortAcceptRollsBackLocalCounter(t *testing.T) {
	table := NewTable()

	server := table.OpenSocket(1)
	if err := table.Listen(server, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}

	// Empty backlog: the accept must fail and release its local port.
	res := table.PrepareAccept(1)
	listener, err := table.LookupListener(1, server.LocalPort)
	if err != nil {
		t.Fatalf("lookup listener: %v", err)
	}
	if _, err := table.CommitAccept(listener, res); !errors.Is(err, abi.ErrWouldBlock) {
		t.Fatalf("accept on empty backlog = %v, want ErrWouldBlock", err)
	}
	table.AbortAccept(res)

	client := table.OpenSocket(2)
	if err := table.Connect(client, server.Canonical); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res2 := table.PrepareAccept(1)
	if res2.LocalPort != res.LocalPort {
		t.Fatalf("local port after rollback = %d, want %d reissued", res2.LocalPort, res.LocalPort)
	}
	if _, err := table.CommitAccept(listener, res2); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestEarlyDataDeliveredAtAccept(t *testing.T) {
	table := NewTable()

	server := table.OpenSocket(1)
	if err := table.Listen(server, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	client := table.OpenSocket(2)
	if err := table.Connect(client, server.Canonical); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The client's send is ordered before the accept; the bytes route
	// to the not-yet-accepted server endpoint.
	if err := table.RouteIncoming(client.Peer.Canonical, []byte("hello")); err != nil {
		t.Fatalf("route early data: %v", err)
	}

	res := table.PrepareAccept(1)
	listener, err := table.LookupListener(1, server.LocalPort)
	if err != nil {
		t.Fatalf("lookup listener: %v", err)
	}
	conn, err := table.CommitAccept(listener, res)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	got := conn.Read(16)
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("read after accept = %q, want %q", got, "hello")
	}
}

func TestRouteIncomingUnknownPort(t *testing.T) {
	table := NewTable()
	if err := table.RouteIncoming(10000, []byte("x")); !errors.Is(err, abi.ErrNotFound) {
		t.Fatalf("route to unknown port = %v, want ErrNotFound", err)
	}
}

func TestCloseRetiresCanonicalPort(t *testing.T) {
	table := NewTable()

	server := table.OpenSocket(1)
	if err := table.Listen(server, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := server.Canonical
	table.Close(server)

	sock := table.OpenSocket(2)
	if err := table.Connect(sock, closed); !errors.Is(err, abi.ErrConnectionRefused) {
		t.Fatalf("connect to closed port = %v, want ErrConnectionRefused", err)
	}

	// The counter never reuses a retired port.
	next := table.OpenSocket(2)
	if err := table.Listen(next, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if next.Canonical <= closed {
		t.Fatalf("new canonical %d not above retired %d", next.Canonical, closed)
	}
}

func TestCloseListenerOrphansPendingClients(t *testing.T) {
	table := NewTable()

	server := table.OpenSocket(1)
	if err := table.Listen(server, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	client := table.OpenSocket(2)
	if err := table.Connect(client, server.Canonical); err != nil {
		t.Fatalf("connect: %v", err)
	}

	orphaned := table.Close(server)
	if len(orphaned) != 1 || orphaned[0] != client {
		t.Fatalf("orphaned = %v, want the one pending client", orphaned)
	}
	if !client.EOF {
		t.Fatal("pending client not marked EOF on listener close")
	}
	if _, ok := table.PeerOf(client); ok {
		t.Fatal("orphaned client still has a peer endpoint")
	}
}

func TestBindingsHoldDistinctCanonicals(t *testing.T) {
	table := NewTable()

	for pid := uint64(1); pid <= 3; pid++ {
		sock := table.OpenSocket(pid)
		if err := table.Listen(sock, 2); err != nil {
			t.Fatalf("listen pid %d: %v", pid, err)
		}
		client := table.OpenSocket(pid + 10)
		if err := table.Connect(client, sock.Canonical); err != nil {
			t.Fatalf("connect pid %d: %v", pid, err)
		}
	}

	seen := make(map[uint32]Key)
	for _, entry := range table.Bindings() {
		if prev, dup := seen[entry.Canonical]; dup {
			t.Fatalf("canonical %d held by both %+v and %+v", entry.Canonical, prev, entry.Key)
		}
		seen[entry.Canonical] = entry.Key
	}
}

// Two tables fed the identical operation sequence must reach the same
// digest; diverging the sequence must change it.
func TestStateDigestDeterminism(t *testing.T) {
	run := func(extraSend bool) [32]byte {
		table := NewTable()
		server := table.OpenSocket(1)
		if err := table.Listen(server, 4); err != nil {
			t.Fatalf("listen: %v", err)
		}
		client := table.OpenSocket(2)
		if err := table.Connect(client, server.Canonical); err != nil {
			t.Fatalf("connect: %v", err)
		}
		res := table.PrepareAccept(1)
		listener, err := table.LookupListener(1, server.LocalPort)
		if err != nil {
			t.Fatalf("lookup listener: %v", err)
		}
		conn, err := table.CommitAccept(listener, res)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if err := table.RouteIncoming(conn.Canonical, []byte("ping")); err != nil {
			t.Fatalf("route: %v", err)
		}
		if extraSend {
			if err := table.RouteIncoming(client.Canonical, []byte("pong")); err != nil {
				t.Fatalf("route: %v", err)
			}
		}
		return table.StateDigest()
	}

	a, b := run(false), run(false)
	if a != b {
		t.Fatalf("identical sequences diverged:\n%x\n%x", a, b)
	}
	if c := run(true); c == a {
		t.Fatalf("distinct sequences collided on %x", c)
	}
}
