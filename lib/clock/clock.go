// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the small slice of the time package the node-side
// code is allowed to use. Anything touching replicated state must use
// the scheduler's virtual clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. The C channel has capacity 1, matching
// time.Ticker: if the consumer falls behind, ticks are dropped.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
