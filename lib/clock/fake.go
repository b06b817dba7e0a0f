// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called. Sleep, After, and ticker operations
// register pending waiters that fire when the clock advances past
// their deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Time advances only when
// Advance is called; waiters fire in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for ticker waiters: after firing, the
	// waiter is rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives after duration d elapses on the
// fake clock. If d <= 0, the channel receives immediately without
// registering a waiter.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.changed.Broadcast()
	return channel
}

// Sleep blocks until the clock has been advanced past the deadline. If
// d <= 0, Sleep returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// NewTicker returns a Ticker firing every d of fake time. Panics if
// d <= 0, matching time.NewTicker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := &waiter{
		deadline: c.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Ticker{
		C: w.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline has been reached, in deadline order. Ticker waiters are
// rescheduled; one-shot waiters fire at most once.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	for {
		fired := false
		sort.Slice(c.waiters, func(i, j int) bool {
			return c.waiters[i].deadline.Before(c.waiters[j].deadline)
		})
		for _, w := range c.waiters {
			if w.stopped || w.fired || w.deadline.After(c.current) {
				continue
			}
			select {
			case w.channel <- w.deadline:
			default:
				// Capacity-1 channel already holds an undelivered
				// tick; drop, matching time.Ticker.
			}
			if w.interval > 0 {
				w.deadline = w.deadline.Add(w.interval)
			} else {
				w.fired = true
			}
			fired = true
		}
		if !fired {
			break
		}
	}

	// Garbage-collect finished waiters.
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// WaitForWaiters blocks until at least n waiters are registered. Call
// this before Advance when the sleeping goroutine races with the test
// body, so the timer is guaranteed to exist before it is fired.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}
