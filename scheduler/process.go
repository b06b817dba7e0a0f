// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/lockstep-foundation/lockstep/abi"
	"github.com/lockstep-foundation/lockstep/nat"
	"github.com/lockstep-foundation/lockstep/syscalls"
	"github.com/lockstep-foundation/lockstep/wire"
)

// State is a process's execution state, owned by the scheduler.
type State uint8

const (
	StateRunnable State = iota
	StateBlocked
	StateExited
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateBlocked:
		return "blocked"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// blockReason says what a blocked process is waiting for.
type blockReason uint8

const (
	blockNone   blockReason = iota
	blockIntent             // its intent's effect has not been ordered yet
	blockRecv               // recv applied against an empty socket buffer
	blockStream             // stream read applied against an empty stdin
	blockTimer              // sleeping until a virtual-clock deadline
)

type callRequest struct {
	call abi.Call
	resp chan callResponse
}

type callResponse struct {
	result     syscalls.Result
	errno      abi.Errno
	terminated bool
}

// process is one guest process and its handshake plumbing. All fields
// are owned by the scheduler; the runner goroutine touches only the
// channels.
type process struct {
	pid    uint64
	env    *syscalls.Env
	runner Runner

	calls chan *callRequest
	done  chan error

	state  State
	reason blockReason

	// pending is the call awaiting an effect (or a yield resumption).
	pending *callRequest

	// nextIntentID is the process's deterministic intent counter. The
	// same guest produces the same IDs on every replica.
	nextIntentID uint64

	// Outstanding intent bookkeeping, valid while reason is
	// blockIntent.
	intentID   uint64
	intentKind wire.OpKind

	// Resumption parameters for the post-intent block reasons.
	recvSock   *nat.Socket
	recvSize   uint32
	streamSize uint32
	deadline   uint64

	exitCode uint32
}

// start launches the runner goroutine. The goroutine parks on the
// calls channel at every system call and reports its final error on
// done.
func (p *process) start() {
	go func() {
		p.done <- p.runner.Run(p.syscall)
	}()
}

// syscall is the Syscall handed to the runner.
func (p *process) syscall(call abi.Call) (syscalls.Result, abi.Errno, bool) {
	req := &callRequest{call: call, resp: make(chan callResponse, 1)}
	p.calls <- req
	resp := <-req.resp
	return resp.result, resp.errno, resp.terminated
}

// respond completes the pending call, unblocking the runner.
func (p *process) respond(resp callResponse) {
	if p.pending == nil {
		return
	}
	p.pending.resp <- resp
	p.pending = nil
}

// wake marks the process runnable after answering its pending call.
func (p *process) wake(resp callResponse) {
	p.respond(resp)
	p.state = StateRunnable
	p.reason = blockNone
	p.recvSock = nil
}
