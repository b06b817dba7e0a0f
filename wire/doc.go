// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the types exchanged between a replica and the
// ordering oracle: intents awaiting a total order, effects carrying
// that order back, and the framed transport encoding.
//
// An Intent is a requested operation with externally observable
// nondeterminism (socket traffic, timers, blocking reads). The replica
// batches the intents produced in one scheduler tick and submits the
// batch; the oracle returns Ordered, a totally ordered effect
// sequence. Effects with Origin zero were synthesized by the oracle
// itself (clock advances, process spawns, stdin delivery, externally
// routed payloads) rather than echoed from a replica's batch.
//
// Bodies are deterministic CBOR (lib/codec). Frames are a fixed
// 10-byte header followed by the body, optionally compressed; see
// WriteFrame for the layout.
package wire
