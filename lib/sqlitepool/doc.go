// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a standard SQLite connection pool.
//
// The oracle's batch history store uses this package for its ordered
// batch log. It wraps zombiezen.com/go/sqlite with production
// defaults: WAL journal mode, NORMAL synchronous, busy timeout, and
// in-memory temp storage.
//
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it
// back. Connections are not safe for concurrent use — each goroutine
// must hold its own connection for the duration of its work.
//
// The package is intentionally thin: it applies pragmas and exposes
// the underlying zombiezen types directly. Consumers write SQL with
// sqlitex.Execute and manage transactions themselves; there is no
// query-builder layer.
package sqlitepool
