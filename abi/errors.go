// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package abi

import "errors"

// Sentinel errors returned by the sandbox, NAT, and syscalls layers.
// Each maps to exactly one guest-visible errno via [ErrnoFor]; the
// scheduler additionally consults [Class] to decide whether an error is
// returned to the guest, terminates the process, or halts the replica.
var (
	// ErrInvalidArgument marks malformed call parameters (negative fd,
	// empty path, bad whence value).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBadDescriptor marks an fd that is not open in the calling
	// process's table, or is open with an incompatible handle type for
	// the requested operation's descriptor class.
	ErrBadDescriptor = errors.New("bad file descriptor")

	// ErrNotFound marks a path whose target does not exist inside the
	// sandbox.
	ErrNotFound = errors.New("not found")

	// ErrExists marks creation of a path that already exists.
	ErrExists = errors.New("already exists")

	// ErrNotDirectory marks a directory operation on a non-directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory marks a file operation on a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotEmpty marks removal of a non-empty directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNotSocket marks a socket operation on a non-socket handle.
	ErrNotSocket = errors.New("not a socket")

	// ErrNotConnected marks send/recv on a socket that has no peer.
	ErrNotConnected = errors.New("socket not connected")

	// ErrAlreadyListening marks listen on a port that already has a
	// listener registered.
	ErrAlreadyListening = errors.New("already listening")

	// ErrConnectionRefused marks connect to a canonical port with no
	// listener behind it, or one whose backlog is full.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrBrokenPipe marks a send on a socket whose write side has been
	// shut down.
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrTooManyOpenFiles marks fd allocation beyond the profile's
	// open-file ceiling.
	ErrTooManyOpenFiles = errors.New("too many open files")

	// ErrDiskLimit marks a write that would push the sandbox past its
	// byte ceiling. The write is not performed, not even partially.
	ErrDiskLimit = errors.New("disk usage limit exceeded")

	// ErrEntryLimit marks creation of a file or directory beyond the
	// sandbox's entry-count ceiling.
	ErrEntryLimit = errors.New("entry count limit exceeded")

	// ErrWouldBlock marks an operation that cannot complete now but may
	// later (accept with an empty backlog). Guests see EAGAIN and may
	// retry.
	ErrWouldBlock = errors.New("operation would block")

	// ErrEscape marks a path resolving outside the sandbox root,
	// whether by .. traversal or through a symlink. Fatal to the
	// offending process on every replica.
	ErrEscape = errors.New("sandbox escape attempt")

	// ErrSymlinkDenied marks symlink creation, which the sandbox
	// forbids outright. Fatal to the offending process.
	ErrSymlinkDenied = errors.New("symlink creation denied")

	// ErrInternal marks an unrecoverable inconsistency (an effect for
	// an unknown intent, a handle table in an impossible state). Halts
	// the replica's scheduling loop: continuing would risk divergence.
	ErrInternal = errors.New("internal inconsistency")
)

// Severity classifies how an error propagates.
type Severity int

const (
	// SeverityGuest errors are returned to the guest as an errno and
	// are locally recoverable.
	SeverityGuest Severity = iota

	// SeverityProcess errors terminate the offending process
	// deterministically on every replica. The replica keeps running.
	SeverityProcess

	// SeverityReplica errors halt the replica's scheduling loop.
	SeverityReplica
)

// Class returns the propagation severity of err. Unknown errors are
// treated as replica-fatal: an error the core cannot attribute to a
// guest action must not be converted into guest-visible state.
func Class(err error) Severity {
	switch {
	case errors.Is(err, ErrEscape), errors.Is(err, ErrSymlinkDenied):
		return SeverityProcess
	case errors.Is(err, ErrInternal):
		return SeverityReplica
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrBadDescriptor),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrNotDirectory),
		errors.Is(err, ErrIsDirectory),
		errors.Is(err, ErrNotEmpty),
		errors.Is(err, ErrNotSocket),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrAlreadyListening),
		errors.Is(err, ErrConnectionRefused),
		errors.Is(err, ErrBrokenPipe),
		errors.Is(err, ErrTooManyOpenFiles),
		errors.Is(err, ErrDiskLimit),
		errors.Is(err, ErrEntryLimit),
		errors.Is(err, ErrWouldBlock):
		return SeverityGuest
	default:
		return SeverityReplica
	}
}

// ErrnoFor maps an internal error to the errno delivered to the guest.
// Process- and replica-fatal errors never reach the guest, but they
// still map to an errno so the termination effect can carry one.
func ErrnoFor(err error) Errno {
	switch {
	case err == nil:
		return ErrnoSuccess
	case errors.Is(err, ErrInvalidArgument):
		return ErrnoInval
	case errors.Is(err, ErrBadDescriptor):
		return ErrnoBadf
	case errors.Is(err, ErrNotFound):
		return ErrnoNoent
	case errors.Is(err, ErrExists):
		return ErrnoExist
	case errors.Is(err, ErrNotDirectory):
		return ErrnoNotdir
	case errors.Is(err, ErrIsDirectory):
		return ErrnoIsdir
	case errors.Is(err, ErrNotEmpty):
		return ErrnoNotempty
	case errors.Is(err, ErrNotSocket):
		return ErrnoNotsock
	case errors.Is(err, ErrNotConnected):
		return ErrnoNotconn
	case errors.Is(err, ErrAlreadyListening):
		return ErrnoAddrinuse
	case errors.Is(err, ErrConnectionRefused):
		return ErrnoConnrefused
	case errors.Is(err, ErrBrokenPipe):
		return ErrnoPipe
	case errors.Is(err, ErrTooManyOpenFiles):
		return ErrnoMfile
	case errors.Is(err, ErrDiskLimit):
		return ErrnoDquot
	case errors.Is(err, ErrEntryLimit):
		return ErrnoDquot
	case errors.Is(err, ErrWouldBlock):
		return ErrnoAgain
	case errors.Is(err, ErrEscape):
		return ErrnoNotcapable
	case errors.Is(err, ErrSymlinkDenied):
		return ErrnoPerm
	default:
		return ErrnoIo
	}
}
