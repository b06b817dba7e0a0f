// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives the replicated tick loop. Each tick runs
// every runnable guest process until it blocks, yields, exits, or
// exhausts its call quantum, collects the intents produced, submits
// them to the ordering oracle as one batch, and applies the ordered
// effects that come back.
//
// Effect application is the only place shared state (the network
// table, the virtual clock, blocked-process wakeups) is mutated, and
// it happens in the exact sequence the oracle returns. The oracle's
// sequence number is an idempotence high-water mark: an effect at or
// below it is a no-op, so a resubmitted response cannot double-apply.
//
// Guest processes run on their own goroutines, but never concurrently
// with the scheduler's view of their state: a process computes freely
// between system calls and parks on a handshake channel at every
// call, and the scheduler services exactly one process at a time.
// Cross-replica determinism needs only the calls, not the computation
// between them, to be ordered.
package scheduler
