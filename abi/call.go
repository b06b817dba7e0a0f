// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package abi

// FD is a guest-visible file descriptor number. Descriptors 0, 1, and 2
// are preopened as the process's stdio streams.
type FD int32

// Whence selects the origin for a seek, matching WASI preview1.
type Whence uint8

const (
	WhenceSet Whence = 0
	WhenceCur Whence = 1
	WhenceEnd Whence = 2
)

// OFlags are open flags for PathOpen, matching WASI preview1 oflags.
type OFlags uint16

const (
	OFlagCreat     OFlags = 1 << 0
	OFlagDirectory OFlags = 1 << 1
	OFlagExcl      OFlags = 1 << 2
	OFlagTrunc     OFlags = 1 << 3
)

// Socket domain and type constants for SockOpen. Only stream sockets
// in the virtual inet domain exist; the constants match their POSIX
// namesakes so guest toolchains need no translation.
const (
	DomainInet     int32 = 2
	SockTypeStream int32 = 1
)

// Shutdown flags for SockShutdown, matching WASI sdflags.
type Shutdown uint8

const (
	ShutdownRD Shutdown = 1 << 0
	ShutdownWR Shutdown = 1 << 1
)

// Call is the closed set of system calls a guest may issue. Exactly one
// struct type exists per call kind; the syscalls layer dispatches with an
// exhaustive type switch.
type Call interface {
	// Name returns the guest-facing import name of the call.
	Name() string
	isCall()
}

// PathOpen opens or creates a file or directory inside the sandbox.
type PathOpen struct {
	Path   string
	Flags  OFlags
	Append bool
}

// FDRead reads up to Size bytes from an open descriptor. Reads from an
// empty stream or socket-backed descriptor block the process.
type FDRead struct {
	FD   FD
	Size uint32
}

// FDWrite writes Data to an open descriptor.
type FDWrite struct {
	FD   FD
	Data []byte
}

// FDClose releases a descriptor. For sockets this is terminal for the
// descriptor but leaves other descriptors' canonical ports untouched.
type FDClose struct {
	FD FD
}

// FDSeek moves the read/write offset of a regular file descriptor.
type FDSeek struct {
	FD     FD
	Offset int64
	Whence Whence
}

// FDStat reports the handle type behind a descriptor.
type FDStat struct {
	FD FD
}

// FDReaddir reads directory entries starting at Cookie.
type FDReaddir struct {
	FD     FD
	Cookie uint64
	Size   uint32
}

// PathCreateDirectory creates a directory inside the sandbox.
type PathCreateDirectory struct {
	Path string
}

// PathRemoveDirectory removes an empty directory inside the sandbox.
type PathRemoveDirectory struct {
	Path string
}

// PathUnlinkFile removes a file inside the sandbox.
type PathUnlinkFile struct {
	Path string
}

// PathSymlink requests symlink creation. The sandbox always denies it;
// the variant exists so the denial is an ordinary exhaustively-handled
// call rather than a missing import.
type PathSymlink struct {
	OldPath string
	NewPath string
}

// SockOpen allocates a socket descriptor and a process-local port.
type SockOpen struct {
	Domain   int32
	SockType int32
	Protocol int32
}

// SockListen registers the socket's local port as a listener.
type SockListen struct {
	FD      FD
	Backlog int32
}

// SockAccept takes the next pending connection on a listening socket.
type SockAccept struct {
	FD    FD
	Flags uint32
}

// SockConnect connects a socket to a listener. Addr names the target
// replica-visible host (opaque to the core); Port is the canonical port
// of the target listener.
type SockConnect struct {
	FD   FD
	Addr string
	Port uint32
}

// SockSend transmits Data on a connected socket.
type SockSend struct {
	FD    FD
	Data  []byte
	Flags uint32
}

// SockRecv receives up to Size bytes from a connected socket, blocking
// the process when no bytes are pending.
type SockRecv struct {
	FD    FD
	Size  uint32
	Flags uint32
}

// SockShutdown half- or full-closes a connected socket.
type SockShutdown struct {
	FD  FD
	How Shutdown
}

// ClockTimeGet reads the virtual clock in nanoseconds.
type ClockTimeGet struct{}

// Sleep blocks the process until the virtual clock has advanced by at
// least Nanos.
type Sleep struct {
	Nanos uint64
}

// Yield suspends the process so the scheduler may interleave others
// within the same tick. It produces no intent.
type Yield struct{}

// ProcExit terminates the calling process with Code.
type ProcExit struct {
	Code uint32
}

func (PathOpen) Name() string            { return "path_open" }
func (FDRead) Name() string              { return "fd_read" }
func (FDWrite) Name() string             { return "fd_write" }
func (FDClose) Name() string             { return "fd_close" }
func (FDSeek) Name() string              { return "fd_seek" }
func (FDStat) Name() string              { return "fd_fdstat_get" }
func (FDReaddir) Name() string           { return "fd_readdir" }
func (PathCreateDirectory) Name() string { return "path_create_directory" }
func (PathRemoveDirectory) Name() string { return "path_remove_directory" }
func (PathUnlinkFile) Name() string      { return "path_unlink_file" }
func (PathSymlink) Name() string         { return "path_symlink" }
func (SockOpen) Name() string            { return "sock_open" }
func (SockListen) Name() string          { return "sock_listen" }
func (SockAccept) Name() string          { return "sock_accept" }
func (SockConnect) Name() string         { return "sock_connect" }
func (SockSend) Name() string            { return "sock_send" }
func (SockRecv) Name() string            { return "sock_recv" }
func (SockShutdown) Name() string        { return "sock_shutdown" }
func (ClockTimeGet) Name() string        { return "clock_time_get" }
func (Sleep) Name() string               { return "sleep" }
func (Yield) Name() string               { return "yield" }
func (ProcExit) Name() string            { return "proc_exit" }

func (PathOpen) isCall()            {}
func (FDRead) isCall()              {}
func (FDWrite) isCall()             {}
func (FDClose) isCall()             {}
func (FDSeek) isCall()              {}
func (FDStat) isCall()              {}
func (FDReaddir) isCall()           {}
func (PathCreateDirectory) isCall() {}
func (PathRemoveDirectory) isCall() {}
func (PathUnlinkFile) isCall()      {}
func (PathSymlink) isCall()         {}
func (SockOpen) isCall()            {}
func (SockListen) isCall()          {}
func (SockAccept) isCall()          {}
func (SockConnect) isCall()         {}
func (SockSend) isCall()            {}
func (SockRecv) isCall()            {}
func (SockShutdown) isCall()        {}
func (ClockTimeGet) isCall()        {}
func (Sleep) isCall()               {}
func (Yield) isCall()               {}
func (ProcExit) isCall()            {}
