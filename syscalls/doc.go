// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package syscalls is the virtualization layer between the guest ABI
// and the replica's deterministic state. Handle classifies each call:
// pure sandbox filesystem operations resolve synchronously, because
// sandbox contents are themselves a deterministic function of
// previously ordered effects; operations with externally observable
// nondeterminism (socket traffic, timers, reads that would block)
// produce an intent for the ordering oracle and suspend the calling
// process.
//
// Handle never mutates the network table. Socket effects are applied
// by the scheduler once ordered, preserving the single-writer
// discipline over shared state.
package syscalls
