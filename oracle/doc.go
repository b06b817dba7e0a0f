// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package oracle provides the replica's interface to the ordering
// oracle and two implementations of it: Local, an in-process
// sequencer for single-node runs and tests, and Client, a TCP client
// speaking the framed wire protocol to a lockstep-oracle server.
//
// The Sequencer is the ordering core both sides share. It assigns a
// dense global sequence number to every intent, remembers every
// effect it has ever emitted, and answers each batch with the effects
// the submitting replica has not yet applied. Submission is
// at-least-once: a replica that lost a response resubmits the same
// tick, and the sequencer returns the already-ordered effects instead
// of ordering twice.
package oracle
