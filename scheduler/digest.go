// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"
)

// schedulerDomainKey separates scheduler state digests from other
// keyed-hash domains. Fixed 32 bytes.
var schedulerDomainKey = [32]byte{
	'l', 'o', 'c', 'k', 's', 't', 'e', 'p', '.',
	's', 'c', 'h', 'e', 'd', 'u', 'l', 'e', 'r', '.',
	's', 't', 'a', 't', 'e',
}

// StateDigest summarizes the full replicated state: applied sequence,
// virtual clock, network table, and every live sandbox. Replicas at
// the same applied sequence must produce identical digests.
func (s *Scheduler) StateDigest() ([32]byte, error) {
	var digest [32]byte
	hasher, err := blake3.NewKeyed(schedulerDomainKey[:])
	if err != nil {
		panic("blake3 keyed hasher: " + err.Error())
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.appliedSeq)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], s.virtualNanos)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], s.nextPID)
	hasher.Write(buf[:])

	natDigest := s.net.StateDigest()
	hasher.Write(natDigest[:])

	pids := make([]uint64, 0, len(s.processes))
	for pid := range s.processes {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		p := s.processes[pid]
		binary.BigEndian.PutUint64(buf[:], pid)
		hasher.Write(buf[:])
		if p.state == StateExited {
			hasher.Write([]byte{0xff})
			binary.BigEndian.PutUint64(buf[:], uint64(p.exitCode))
			hasher.Write(buf[:])
			continue
		}
		hasher.Write([]byte{uint8(p.state)})
		sandboxDigest, err := p.env.Sandbox.StateDigest()
		if err != nil {
			return digest, err
		}
		hasher.Write(sandboxDigest[:])
	}

	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
