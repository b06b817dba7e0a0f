// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package nat implements the deterministic network table: the mapping
// from process-local ports to canonical ports, listener and
// pending-connection state, and the socket state machine.
//
// Local ports number a single process's sockets; canonical ports name
// endpoints across the whole replicated system. Both namespaces are
// virtual — no host socket is ever opened — and both are allocated
// from strictly increasing counters, so every replica that applies the
// same ordered sequence of socket effects allocates the same numbers.
//
// Accept is the delicate case: the new descriptor's local port and the
// connection's canonical port must be consumed *before* the accept is
// known to succeed, or replicas whose accepts fail at different wall
// times would drift in their numbering. [Table.PrepareAccept] reserves
// both; [Table.CommitAccept] materializes the connection and
// [Table.AbortAccept] rolls both counters back to their pre-attempt
// values, so a failed accept consumes nothing.
//
// The table is mutated only by the scheduler while applying ordered
// effects — a single-writer discipline that makes locks unnecessary.
package nat
