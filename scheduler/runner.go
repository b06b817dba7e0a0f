// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/lockstep-foundation/lockstep/abi"
	"github.com/lockstep-foundation/lockstep/syscalls"
)

// Syscall issues one guest system call and blocks until the scheduler
// resolves it. A true terminated return means the process has been
// killed or has exited; the runner must unwind without issuing
// further calls.
type Syscall func(call abi.Call) (result syscalls.Result, errno abi.Errno, terminated bool)

// Runner executes one guest program against the virtual syscall
// surface. The wasmer-backed implementation lives in package engine;
// tests script runners directly.
type Runner interface {
	Run(sys Syscall) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(sys Syscall) error

func (f RunnerFunc) Run(sys Syscall) error { return f(sys) }
