// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with a time.After fallback) so
// individual tests do not hang forever when a scheduler handshake or
// oracle exchange goes wrong. These helpers are the only place the
// test suite touches the real wall clock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
