// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package abi

import "fmt"

// Errno is a WASI preview1 error number as seen by guest code. The zero
// value means success. Values are protocol constants — they appear in
// ordered effects and must be identical on every replica.
type Errno uint16

const (
	ErrnoSuccess       Errno = 0
	ErrnoAcces         Errno = 2
	ErrnoAddrinuse     Errno = 3
	ErrnoAgain         Errno = 6
	ErrnoBadf          Errno = 8
	ErrnoConnaborted   Errno = 13
	ErrnoConnrefused   Errno = 14
	ErrnoDquot         Errno = 19
	ErrnoExist         Errno = 20
	ErrnoInval         Errno = 28
	ErrnoIo            Errno = 29
	ErrnoIsdir         Errno = 31
	ErrnoLoop          Errno = 32
	ErrnoMfile         Errno = 33
	ErrnoNoent         Errno = 44
	ErrnoNospc         Errno = 51
	ErrnoNotconn       Errno = 53
	ErrnoNotdir        Errno = 54
	ErrnoNotempty      Errno = 55
	ErrnoNotsock       Errno = 57
	ErrnoNotsup        Errno = 58
	ErrnoPerm          Errno = 63
	ErrnoPipe          Errno = 64
	ErrnoNotcapable    Errno = 76
)

// String returns the lowercase WASI name of the error number.
func (e Errno) String() string {
	switch e {
	case ErrnoSuccess:
		return "success"
	case ErrnoAcces:
		return "acces"
	case ErrnoAddrinuse:
		return "addrinuse"
	case ErrnoAgain:
		return "again"
	case ErrnoBadf:
		return "badf"
	case ErrnoConnaborted:
		return "connaborted"
	case ErrnoConnrefused:
		return "connrefused"
	case ErrnoDquot:
		return "dquot"
	case ErrnoExist:
		return "exist"
	case ErrnoInval:
		return "inval"
	case ErrnoIo:
		return "io"
	case ErrnoIsdir:
		return "isdir"
	case ErrnoLoop:
		return "loop"
	case ErrnoMfile:
		return "mfile"
	case ErrnoNoent:
		return "noent"
	case ErrnoNospc:
		return "nospc"
	case ErrnoNotconn:
		return "notconn"
	case ErrnoNotdir:
		return "notdir"
	case ErrnoNotempty:
		return "notempty"
	case ErrnoNotsock:
		return "notsock"
	case ErrnoNotsup:
		return "notsup"
	case ErrnoPerm:
		return "perm"
	case ErrnoPipe:
		return "pipe"
	case ErrnoNotcapable:
		return "notcapable"
	default:
		return fmt.Sprintf("errno(%d)", uint16(e))
	}
}
