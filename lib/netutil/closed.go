// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies network errors on the oracle wire.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. The oracle client treats these as a signal to reconnect and
// resubmit the in-flight batch, not as failures worth logging at error
// level; the server sees them whenever a replica restarts mid-session.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
