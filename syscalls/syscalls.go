// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package syscalls

import (
	"fmt"

	"github.com/lockstep-foundation/lockstep/abi"
	"github.com/lockstep-foundation/lockstep/nat"
	"github.com/lockstep-foundation/lockstep/sandbox"
	"github.com/lockstep-foundation/lockstep/wire"
)

// Env is the per-process state a call is handled against. Now reads
// the replica's virtual clock; it must never be backed by wall time.
type Env struct {
	PID     uint64
	Sandbox *sandbox.Sandbox
	Now     func() uint64
}

// Result carries a resolved call's guest-visible outcome. Fields are
// populated per call kind; the engine writes them back into guest
// memory.
type Result struct {
	FD      abi.FD
	N       uint32
	Data    []byte
	Offset  int64
	Entries []sandbox.DirEntry
	Cookie  uint64
	Nanos   uint64
	Kind    sandbox.HandleKind
}

// Outcome is the classification of one handled call. Exactly one of
// the fields is set: Result for synchronous resolution, Intent for an
// operation that must be ordered (the process blocks), Yield for the
// cooperative suspension point, Exit for process termination.
type Outcome struct {
	Result *Result
	Intent *wire.Intent
	Yield  bool
	Exit   bool
	Code   uint32
}

func resolved(r Result) Outcome { return Outcome{Result: &r} }

func intent(env *Env, kind wire.OpKind, fill func(*wire.Intent)) Outcome {
	in := &wire.Intent{PID: env.PID, Kind: kind}
	if fill != nil {
		fill(in)
	}
	return Outcome{Intent: in}
}

// Handle validates call against the process's sandbox and classifies
// it. Returned errors are raw sentinels for the caller to classify
// with abi.Class: guest-severity errors become errno returns,
// process-severity errors terminate the process, anything else halts
// the replica.
func Handle(env *Env, call abi.Call) (Outcome, error) {
	switch c := call.(type) {

	case abi.PathOpen:
		fd, err := env.Sandbox.Open(c.Path, c.Flags, c.Append)
		if err != nil {
			return Outcome{}, err
		}
		return resolved(Result{FD: fd}), nil

	case abi.FDRead:
		return handleRead(env, c.FD, c.Size)

	case abi.FDWrite:
		return handleWrite(env, c.FD, c.Data)

	case abi.FDClose:
		handle, err := env.Sandbox.Table().Get(c.FD)
		if err != nil {
			return Outcome{}, err
		}
		if _, isSocket := handle.(*nat.Socket); isSocket {
			// The network table entry must be retired at an ordered
			// point; the descriptor is released when the effect
			// applies.
			return intent(env, wire.OpSockClose, func(in *wire.Intent) {
				in.FD = int32(c.FD)
			}), nil
		}
		if err := env.Sandbox.Table().Release(c.FD); err != nil {
			return Outcome{}, err
		}
		return resolved(Result{}), nil

	case abi.FDSeek:
		handle, err := env.Sandbox.Table().Get(c.FD)
		if err != nil {
			return Outcome{}, err
		}
		file, ok := handle.(*sandbox.FileHandle)
		if !ok {
			return Outcome{}, fmt.Errorf("seek on %s descriptor %d: %w",
				handle.HandleKind(), c.FD, abi.ErrInvalidArgument)
		}
		offset, err := env.Sandbox.Seek(file, c.Offset, c.Whence)
		if err != nil {
			return Outcome{}, err
		}
		return resolved(Result{Offset: offset}), nil

	case abi.FDStat:
		handle, err := env.Sandbox.Table().Get(c.FD)
		if err != nil {
			return Outcome{}, err
		}
		return resolved(Result{Kind: handle.HandleKind()}), nil

	case abi.FDReaddir:
		handle, err := env.Sandbox.Table().Get(c.FD)
		if err != nil {
			return Outcome{}, err
		}
		dir, ok := handle.(*sandbox.DirHandle)
		if !ok {
			return Outcome{}, fmt.Errorf("readdir on %s descriptor %d: %w",
				handle.HandleKind(), c.FD, abi.ErrNotDirectory)
		}
		entries, next := env.Sandbox.Readdir(dir, c.Cookie, c.Size)
		return resolved(Result{Entries: entries, Cookie: next}), nil

	case abi.PathCreateDirectory:
		if err := env.Sandbox.Mkdir(c.Path); err != nil {
			return Outcome{}, err
		}
		return resolved(Result{}), nil

	case abi.PathRemoveDirectory:
		if err := env.Sandbox.Rmdir(c.Path); err != nil {
			return Outcome{}, err
		}
		return resolved(Result{}), nil

	case abi.PathUnlinkFile:
		if err := env.Sandbox.Unlink(c.Path); err != nil {
			return Outcome{}, err
		}
		return resolved(Result{}), nil

	case abi.PathSymlink:
		return Outcome{}, fmt.Errorf("symlink %q -> %q: %w",
			c.NewPath, c.OldPath, abi.ErrSymlinkDenied)

	case abi.SockOpen:
		if c.SockType != abi.SockTypeStream {
			return Outcome{}, fmt.Errorf("socket type %d: %w", c.SockType, abi.ErrInvalidArgument)
		}
		return intent(env, wire.OpSockOpen, nil), nil

	case abi.SockListen:
		if _, err := socketFor(env, c.FD); err != nil {
			return Outcome{}, err
		}
		if c.Backlog <= 0 {
			return Outcome{}, fmt.Errorf("listen backlog %d: %w", c.Backlog, abi.ErrInvalidArgument)
		}
		return intent(env, wire.OpSockListen, func(in *wire.Intent) {
			in.FD = int32(c.FD)
			in.Backlog = c.Backlog
		}), nil

	case abi.SockAccept:
		sock, err := socketFor(env, c.FD)
		if err != nil {
			return Outcome{}, err
		}
		if sock.State != nat.StateListening {
			return Outcome{}, fmt.Errorf("accept on %s socket %d: %w", sock.State, c.FD, abi.ErrInvalidArgument)
		}
		return intent(env, wire.OpSockAccept, func(in *wire.Intent) {
			in.FD = int32(c.FD)
		}), nil

	case abi.SockConnect:
		sock, err := socketFor(env, c.FD)
		if err != nil {
			return Outcome{}, err
		}
		if sock.State != nat.StateUnconnected {
			return Outcome{}, fmt.Errorf("connect on %s socket %d: %w", sock.State, c.FD, abi.ErrInvalidArgument)
		}
		if c.Addr == "" {
			return Outcome{}, fmt.Errorf("connect with empty address: %w", abi.ErrInvalidArgument)
		}
		return intent(env, wire.OpSockConnect, func(in *wire.Intent) {
			in.FD = int32(c.FD)
			in.Port = c.Port
		}), nil

	case abi.SockSend:
		sock, err := socketFor(env, c.FD)
		if err != nil {
			return Outcome{}, err
		}
		if sock.State != nat.StateConnected {
			return Outcome{}, fmt.Errorf("send on %s socket %d: %w", sock.State, c.FD, abi.ErrNotConnected)
		}
		if sock.ShutWR {
			return Outcome{}, fmt.Errorf("send on shut-down socket %d: %w", c.FD, abi.ErrBrokenPipe)
		}
		return intent(env, wire.OpSockSend, func(in *wire.Intent) {
			in.FD = int32(c.FD)
			in.Data = c.Data
		}), nil

	case abi.SockRecv:
		sock, err := socketFor(env, c.FD)
		if err != nil {
			return Outcome{}, err
		}
		if sock.State != nat.StateConnected {
			return Outcome{}, fmt.Errorf("recv on %s socket %d: %w", sock.State, c.FD, abi.ErrNotConnected)
		}
		if sock.ShutRD {
			return resolved(Result{}), nil
		}
		return intent(env, wire.OpSockRecv, func(in *wire.Intent) {
			in.FD = int32(c.FD)
			in.Size = c.Size
		}), nil

	case abi.SockShutdown:
		if _, err := socketFor(env, c.FD); err != nil {
			return Outcome{}, err
		}
		if c.How&^(abi.ShutdownRD|abi.ShutdownWR) != 0 || c.How == 0 {
			return Outcome{}, fmt.Errorf("shutdown how %d: %w", c.How, abi.ErrInvalidArgument)
		}
		return intent(env, wire.OpSockShutdown, func(in *wire.Intent) {
			in.FD = int32(c.FD)
			in.How = uint8(c.How)
		}), nil

	case abi.ClockTimeGet:
		return resolved(Result{Nanos: env.Now()}), nil

	case abi.Sleep:
		return intent(env, wire.OpSleep, func(in *wire.Intent) {
			in.Nanos = c.Nanos
		}), nil

	case abi.Yield:
		return Outcome{Yield: true}, nil

	case abi.ProcExit:
		return Outcome{Exit: true, Code: c.Code}, nil

	default:
		// The Call interface is sealed; reaching here means a variant
		// was added without a handler.
		return Outcome{}, fmt.Errorf("unhandled call %s: %w", call.Name(), abi.ErrInternal)
	}
}

// handleRead classifies fd_read by the handle behind the descriptor.
// Regular files resolve synchronously (EOF is an empty result).
// Streams and sockets resolve only when bytes are already buffered or
// the peer is gone; otherwise the read blocks on an ordered effect.
func handleRead(env *Env, fd abi.FD, size uint32) (Outcome, error) {
	handle, err := env.Sandbox.Table().Get(fd)
	if err != nil {
		return Outcome{}, err
	}
	switch h := handle.(type) {
	case *sandbox.FileHandle:
		data, err := env.Sandbox.ReadFile(h, size)
		if err != nil {
			return Outcome{}, err
		}
		return resolved(Result{Data: data, N: uint32(len(data))}), nil

	case *sandbox.StreamHandle:
		if h.Pending() {
			data := h.Read(size)
			return resolved(Result{Data: data, N: uint32(len(data))}), nil
		}
		if h.Closed() {
			return resolved(Result{}), nil
		}
		return intent(env, wire.OpStreamRead, func(in *wire.Intent) {
			in.FD = int32(fd)
			in.Size = size
		}), nil

	case *nat.Socket:
		return Handle(env, abi.SockRecv{FD: fd, Size: size})

	default:
		return Outcome{}, fmt.Errorf("read on %s descriptor %d: %w",
			handle.HandleKind(), fd, abi.ErrIsDirectory)
	}
}

// handleWrite classifies fd_write. Files and outbound streams resolve
// synchronously; sockets go through the send path.
func handleWrite(env *Env, fd abi.FD, data []byte) (Outcome, error) {
	handle, err := env.Sandbox.Table().Get(fd)
	if err != nil {
		return Outcome{}, err
	}
	switch h := handle.(type) {
	case *sandbox.FileHandle:
		n, err := env.Sandbox.WriteFile(h, data)
		if err != nil {
			return Outcome{}, err
		}
		return resolved(Result{N: n}), nil

	case *sandbox.StreamHandle:
		h.Write(data)
		return resolved(Result{N: uint32(len(data))}), nil

	case *nat.Socket:
		return Handle(env, abi.SockSend{FD: fd, Data: data})

	default:
		return Outcome{}, fmt.Errorf("write on %s descriptor %d: %w",
			handle.HandleKind(), fd, abi.ErrIsDirectory)
	}
}

func socketFor(env *Env, fd abi.FD) (*nat.Socket, error) {
	handle, err := env.Sandbox.Table().Get(fd)
	if err != nil {
		return nil, err
	}
	sock, ok := handle.(*nat.Socket)
	if !ok {
		return nil, fmt.Errorf("%s descriptor %d: %w", handle.HandleKind(), fd, abi.ErrNotSocket)
	}
	return sock, nil
}
