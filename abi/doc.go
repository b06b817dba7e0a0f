// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package abi defines the guest-facing system-call surface: the closed set
// of call variants a guest module may issue, the WASI-compatible error
// numbers returned to it, and the mapping from internal error values to
// those numbers.
//
// The call surface is a sealed tagged union ([Call] with one struct per
// variant). Adding a call kind means adding a variant here and extending
// the type switch in the syscalls package — the compiler flags every
// dispatch site that does not handle it.
//
// Nothing in this package performs I/O or holds state. It is the shared
// vocabulary between the engine (which decodes guest calls), the syscalls
// layer (which executes or defers them), and the scheduler (which delivers
// results back).
package abi
