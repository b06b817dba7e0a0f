// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable wall-clock abstraction.
//
// Wall time never influences replicated state: the guest-visible clock
// is a virtual counter advanced only by ordered effects (see the
// scheduler package). Host-side machinery that legitimately needs real
// time — the oracle client's reconnect backoff, periodic digest logging
// in the node binary — accepts a Clock parameter instead of calling the
// time package directly, so production code injects Real() and tests
// drive a Fake() deterministically.
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	client := oracle.NewClient(cfg, c)
//	c.WaitForWaiters(1)        // backoff sleep registered
//	c.Advance(2 * time.Second) // fire it deterministically
package clock
