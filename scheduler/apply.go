// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lockstep-foundation/lockstep/abi"
	"github.com/lockstep-foundation/lockstep/nat"
	"github.com/lockstep-foundation/lockstep/syscalls"
	"github.com/lockstep-foundation/lockstep/wire"
)

// applyPhase enqueues ordered effects and applies as many as the
// processes are ready for, in sequence. Effects at or below the
// enqueue high-water mark are no-ops, making a retransmitted response
// safe to apply twice. An effect for an intent a process has not yet
// issued (a replica replaying history runs ahead of its guests) waits
// in the backlog until a later run phase produces the matching call.
func (s *Scheduler) applyPhase(effects []wire.Effect) error {
	for _, effect := range effects {
		if effect.Seq <= s.enqueuedSeq() {
			continue
		}
		if effect.Seq != s.enqueuedSeq()+1 {
			return fmt.Errorf("effect sequence gap: enqueued %d, received %d: %w",
				s.enqueuedSeq(), effect.Seq, abi.ErrInternal)
		}
		s.backlog = append(s.backlog, effect)
	}

	for len(s.backlog) > 0 {
		effect := s.backlog[0]
		ready, err := s.effectReady(effect)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
		if err := s.applyEffect(effect); err != nil {
			return err
		}
		s.appliedSeq = effect.Seq
		s.backlog = s.backlog[1:]
	}
	return nil
}

// enqueuedSeq returns the highest sequence number held, applied or
// still in the backlog.
func (s *Scheduler) enqueuedSeq() uint64 {
	if n := len(s.backlog); n > 0 {
		return s.backlog[n-1].Seq
	}
	return s.appliedSeq
}

// effectReady reports whether the next effect can be applied now. A
// mismatched outstanding intent is a divergence and halts the
// replica; an intent the process simply has not reached yet is not.
func (s *Scheduler) effectReady(effect wire.Effect) (bool, error) {
	in := effect.Intent
	switch in.Kind {
	case wire.OpClockAdvance, wire.OpSpawn, wire.OpStreamData, wire.OpDeliver:
		return true, nil
	}
	p := s.processes[in.PID]
	if p == nil {
		return false, fmt.Errorf("effect %d targets unknown process %d: %w",
			effect.Seq, in.PID, abi.ErrInternal)
	}
	if p.state == StateExited {
		return true, nil
	}
	if p.state != StateBlocked || p.reason != blockIntent {
		return false, nil
	}
	if p.intentID != in.ID || p.intentKind != in.Kind {
		return false, fmt.Errorf("effect %d (%s id %d) does not match process %d outstanding intent (%s id %d): %w",
			effect.Seq, in.Kind, in.ID, in.PID, p.intentKind, p.intentID, abi.ErrInternal)
	}
	return true, nil
}

func (s *Scheduler) applyEffect(effect wire.Effect) error {
	in := effect.Intent
	switch in.Kind {

	case wire.OpClockAdvance:
		if in.Nanos > s.virtualNanos {
			s.virtualNanos = in.Nanos
		}
		s.wakeSleepers()
		return nil

	case wire.OpSpawn:
		_, err := s.Spawn(in.Module)
		return err

	case wire.OpStreamData:
		p := s.processes[in.PID]
		if p == nil || p.state == StateExited {
			return nil
		}
		stdin := p.env.Sandbox.Stdin()
		stdin.Push(in.Data)
		if p.state == StateBlocked && p.reason == blockStream {
			data := stdin.Read(p.streamSize)
			p.wake(callResponse{result: syscalls.Result{Data: data, N: uint32(len(data))}})
		}
		return nil

	case wire.OpDeliver:
		if err := s.net.RouteIncoming(in.Port, in.Data); err != nil {
			// The endpoint was closed after the payload was ordered;
			// dropped identically on every replica.
			s.logger.Debug("dropping delivery to retired port",
				"port", in.Port, "bytes", len(in.Data))
			return nil
		}
		s.wakeReceivers(in.Port)
		return nil
	}

	// Replica-submitted kinds resolve a process's outstanding intent.
	// effectReady has already verified the match.
	p := s.processes[in.PID]
	if p.state == StateExited {
		// The process was terminated at an earlier ordered point, the
		// same one on every replica.
		return nil
	}
	return s.resolveIntent(p, in)
}

// resolveIntent applies the ordered outcome of a process's own
// intent. This is the only writer of the network table.
func (s *Scheduler) resolveIntent(p *process, in wire.Intent) error {
	switch in.Kind {

	case wire.OpSockOpen:
		if p.env.Sandbox.Table().Full() {
			p.wake(callResponse{errno: abi.ErrnoMfile})
			return nil
		}
		sock := s.net.OpenSocket(p.pid)
		fd, err := p.env.Sandbox.Table().Allocate(sock)
		if err != nil {
			return fmt.Errorf("allocating socket descriptor for process %d: %w", p.pid, err)
		}
		p.wake(callResponse{result: syscalls.Result{FD: fd}})
		return nil

	case wire.OpSockListen:
		sock, errno := s.socketAt(p, abi.FD(in.FD))
		if errno != 0 {
			p.wake(callResponse{errno: errno})
			return nil
		}
		if err := s.net.Listen(sock, int(in.Backlog)); err != nil {
			p.wake(callResponse{errno: abi.ErrnoFor(err)})
			return nil
		}
		p.wake(callResponse{})
		return nil

	case wire.OpSockConnect:
		sock, errno := s.socketAt(p, abi.FD(in.FD))
		if errno != 0 {
			p.wake(callResponse{errno: errno})
			return nil
		}
		if err := s.net.Connect(sock, in.Port); err != nil {
			p.wake(callResponse{errno: abi.ErrnoFor(err)})
			return nil
		}
		p.wake(callResponse{})
		return nil

	case wire.OpSockAccept:
		return s.resolveAccept(p, in)

	case wire.OpSockSend:
		sock, errno := s.socketAt(p, abi.FD(in.FD))
		if errno != 0 {
			p.wake(callResponse{errno: errno})
			return nil
		}
		if sock.State != nat.StateConnected {
			p.wake(callResponse{errno: abi.ErrnoNotconn})
			return nil
		}
		if sock.ShutWR {
			p.wake(callResponse{errno: abi.ErrnoPipe})
			return nil
		}
		if err := s.net.RouteIncoming(sock.Peer.Canonical, in.Data); err != nil {
			// Peer endpoint retired: the connection is gone.
			p.wake(callResponse{errno: abi.ErrnoPipe})
			return nil
		}
		p.wake(callResponse{result: syscalls.Result{N: uint32(len(in.Data))}})
		s.wakeReceivers(sock.Peer.Canonical)
		return nil

	case wire.OpSockRecv:
		sock, errno := s.socketAt(p, abi.FD(in.FD))
		if errno != 0 {
			p.wake(callResponse{errno: errno})
			return nil
		}
		switch {
		case sock.Pending():
			data := sock.Read(in.Size)
			p.wake(callResponse{result: syscalls.Result{Data: data, N: uint32(len(data))}})
		case sock.EOF || sock.ShutRD:
			p.wake(callResponse{})
		default:
			// Stay blocked until a delivery arrives or the peer side
			// goes away; every retirement path marks EOF and wakes.
			p.reason = blockRecv
			p.recvSock = sock
			p.recvSize = in.Size
		}
		return nil

	case wire.OpSockShutdown:
		sock, errno := s.socketAt(p, abi.FD(in.FD))
		if errno != 0 {
			p.wake(callResponse{errno: errno})
			return nil
		}
		how := abi.Shutdown(in.How)
		if how&abi.ShutdownRD != 0 {
			sock.ShutRD = true
		}
		if how&abi.ShutdownWR != 0 {
			sock.ShutWR = true
			if peer, ok := s.net.PeerOf(sock); ok {
				peer.EOF = true
				s.wakeReceiverEOF(peer)
			}
		}
		p.wake(callResponse{})
		return nil

	case wire.OpSockClose:
		sock, errno := s.socketAt(p, abi.FD(in.FD))
		if errno != 0 {
			p.wake(callResponse{errno: errno})
			return nil
		}
		if sock.State == nat.StateConnected {
			if peer, ok := s.net.PeerOf(sock); ok {
				peer.EOF = true
				s.wakeReceiverEOF(peer)
			}
		}
		for _, client := range s.net.Close(sock) {
			s.wakeReceiverEOF(client)
		}
		if err := p.env.Sandbox.Table().Release(abi.FD(in.FD)); err != nil {
			return fmt.Errorf("releasing socket descriptor %d of process %d: %w",
				in.FD, p.pid, err)
		}
		p.wake(callResponse{})
		return nil

	case wire.OpSleep:
		deadline := s.virtualNanos + in.Nanos
		if deadline <= s.virtualNanos {
			p.wake(callResponse{})
			return nil
		}
		p.reason = blockTimer
		p.deadline = deadline
		return nil

	case wire.OpStreamRead:
		stdin := p.env.Sandbox.Stdin()
		switch {
		case stdin.Pending():
			data := stdin.Read(in.Size)
			p.wake(callResponse{result: syscalls.Result{Data: data, N: uint32(len(data))}})
		case stdin.Closed():
			p.wake(callResponse{})
		default:
			p.reason = blockStream
			p.streamSize = in.Size
		}
		return nil

	default:
		return fmt.Errorf("effect kind %s cannot resolve an intent: %w", in.Kind, abi.ErrInternal)
	}
}

// resolveAccept applies an ordered accept. The descriptor and local
// port are reserved before the backlog is consulted, and both are
// rolled back on failure, so numbering is identical on every replica
// whichever way the accept goes.
func (s *Scheduler) resolveAccept(p *process, in wire.Intent) error {
	sock, errno := s.socketAt(p, abi.FD(in.FD))
	if errno != 0 {
		p.wake(callResponse{errno: errno})
		return nil
	}
	listener, err := s.net.LookupListener(p.pid, sock.LocalPort)
	if err != nil {
		p.wake(callResponse{errno: abi.ErrnoFor(err)})
		return nil
	}
	if p.env.Sandbox.Table().Full() {
		p.wake(callResponse{errno: abi.ErrnoMfile})
		return nil
	}

	res := s.net.PrepareAccept(p.pid)
	conn, err := s.net.CommitAccept(listener, res)
	if err != nil {
		s.net.AbortAccept(res)
		if errors.Is(err, abi.ErrWouldBlock) {
			p.wake(callResponse{errno: abi.ErrnoAgain})
			return nil
		}
		p.wake(callResponse{errno: abi.ErrnoFor(err)})
		return nil
	}
	fd, err := p.env.Sandbox.Table().Allocate(conn)
	if err != nil {
		return fmt.Errorf("allocating accepted descriptor for process %d: %w", p.pid, err)
	}
	p.wake(callResponse{result: syscalls.Result{FD: fd}})
	return nil
}

// socketAt fetches the socket behind a descriptor at effect time,
// returning the errno to deliver when the descriptor is gone or not a
// socket.
func (s *Scheduler) socketAt(p *process, fd abi.FD) (*nat.Socket, abi.Errno) {
	handle, err := p.env.Sandbox.Table().Get(fd)
	if err != nil {
		return nil, abi.ErrnoBadf
	}
	sock, ok := handle.(*nat.Socket)
	if !ok {
		return nil, abi.ErrnoNotsock
	}
	return sock, abi.ErrnoSuccess
}

// wakeSleepers resumes every process whose virtual-clock deadline has
// passed, in pid order.
func (s *Scheduler) wakeSleepers() {
	for _, pid := range s.blockedPIDs() {
		p := s.processes[pid]
		if p.reason == blockTimer && p.deadline <= s.virtualNanos {
			p.wake(callResponse{})
		}
	}
}

// wakeReceivers resumes the process blocked receiving on the endpoint
// holding canonical, if bytes are now pending.
func (s *Scheduler) wakeReceivers(canonical uint32) {
	for _, pid := range s.blockedPIDs() {
		p := s.processes[pid]
		if p.reason == blockRecv && p.recvSock.Canonical == canonical && p.recvSock.Pending() {
			data := p.recvSock.Read(p.recvSize)
			p.wake(callResponse{result: syscalls.Result{Data: data, N: uint32(len(data))}})
		}
	}
}

// wakeReceiverEOF resumes a process blocked receiving on sock when
// its peer is gone and nothing is left to drain.
func (s *Scheduler) wakeReceiverEOF(sock *nat.Socket) {
	for _, pid := range s.blockedPIDs() {
		p := s.processes[pid]
		if p.reason == blockRecv && p.recvSock == sock && !sock.Pending() {
			p.wake(callResponse{})
		}
	}
}

func (s *Scheduler) blockedPIDs() []uint64 {
	pids := make([]uint64, 0, len(s.processes))
	for pid, p := range s.processes {
		if p.state == StateBlocked {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
