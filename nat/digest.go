// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// tableDomainKey separates the NAT digest from every other keyed hash
// in the system. ASCII, zero padded to the 32 bytes blake3 requires.
var tableDomainKey = func() []byte {
	key := make([]byte, 32)
	copy(key, "lockstep.nat.table")
	return key
}()

// StateDigest hashes everything that must agree across replicas: both
// counters, every binding, every listener backlog, and every
// connection endpoint's buffered bytes. Two replicas that applied the
// same effect sequence produce the same digest.
func (t *Table) StateDigest() [32]byte {
	hasher, err := blake3.NewKeyed(tableDomainKey)
	if err != nil {
		// The key length is fixed at compile time.
		panic(err)
	}

	var scratch [8]byte
	writeU32 := func(v uint32) {
		binary.BigEndian.PutUint32(scratch[:4], v)
		hasher.Write(scratch[:4])
	}
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:], v)
		hasher.Write(scratch[:])
	}

	writeU32(t.canonicalNext)
	for _, entry := range t.Bindings() {
		writeU64(entry.Key.PID)
		writeU32(entry.Key.LocalPort)
		writeU32(entry.Canonical)
		writeU32(t.localNext[entry.Key.PID])

		if listener, ok := t.listeners[entry.Canonical]; ok {
			writeU32(uint32(listener.Backlog))
			writeU32(uint32(len(listener.pending)))
			for _, conn := range listener.pending {
				writeU32(conn.clientCanonical)
				writeU32(conn.serverCanonical)
				writeU32(uint32(len(conn.earlyData)))
				hasher.Write(conn.earlyData)
			}
		}
		if sock, ok := t.sockets[entry.Canonical]; ok {
			var flags byte
			if sock.ShutRD {
				flags |= 1
			}
			if sock.ShutWR {
				flags |= 2
			}
			if sock.EOF {
				flags |= 4
			}
			hasher.Write([]byte{byte(sock.State), flags})
			writeU32(sock.Peer.Canonical)
			buffered := sock.buffered()
			writeU32(uint32(len(buffered)))
			hasher.Write(buffered)
		}
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
