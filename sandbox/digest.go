// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/lockstep-foundation/lockstep/abi"
)

// Digest is a 32-byte BLAKE3 digest of a sandbox's observable state.
// Replicas compare digests to detect divergence; two replicas that
// applied the same effect sequence must produce identical digests.
type Digest [32]byte

// treeDomainKey separates sandbox-tree hashing from the other digest
// domains (NAT table, scheduler state). The bytes are the ASCII domain
// name zero-padded to 32, readable in hex dumps without costing any
// property of BLAKE3 keyed mode.
var treeDomainKey = [32]byte{
	'l', 'o', 'c', 'k', 's', 't', 'e', 'p', '.', 's', 'a', 'n', 'd', 'b', 'o', 'x',
	'.', 't', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// StateDigest hashes the sandbox's guest-visible state: the directory
// tree in sorted order with file contents, the descriptor table's live
// fd numbers and handle kinds, and the usage counters. Host-only
// details (inode numbers, timestamps, the root's host location) are
// excluded — they differ across replicas by construction.
func (s *Sandbox) StateDigest() (Digest, error) {
	// NewKeyed only fails for a wrong key length, which the fixed-size
	// domain key rules out.
	hasher, err := blake3.NewKeyed(treeDomainKey[:])
	if err != nil {
		panic("sandbox: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var scratch [8]byte
	writeUint := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		hasher.Write(scratch[:])
	}

	writeUint(s.pid)
	writeUint(s.diskUsage)
	writeUint(uint64(s.entryCount))

	err = filepath.WalkDir(s.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		hasher.Write([]byte(filepath.ToSlash(rel)))
		if entry.IsDir() {
			hasher.Write([]byte{'/'})
			return nil
		}
		hasher.Write([]byte{0})
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		writeUint(uint64(len(data)))
		hasher.Write(data)
		return nil
	})
	if err != nil {
		return Digest{}, fmt.Errorf("hashing sandbox %d: %w", s.pid, err)
	}

	s.table.Walk(func(fd abi.FD, handle Handle) {
		writeUint(uint64(fd))
		hasher.Write([]byte{byte(handle.HandleKind())})
	})

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
