// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowStandsStill(t *testing.T) {
	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	c.Advance(3 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(3 * time.Second)) {
		t.Fatalf("Now() after Advance = %v, want %v", got, epoch.Add(3*time.Second))
	}
}

func TestFakeAfterFiresInOrder(t *testing.T) {
	c := Fake(epoch)
	first := c.After(1 * time.Second)
	second := c.After(2 * time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-first:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(2 * time.Second)
	firstAt := <-first
	secondAt := <-second
	if !firstAt.Before(secondAt) {
		t.Fatalf("fire times out of order: %v vs %v", firstAt, secondAt)
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not deliver immediately")
	}
}

func TestFakeSleepUnblocksOnAdvance(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(time.Second)
		close(done)
	}()

	c.WaitForWaiters(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeTickerRepeatsAndStops(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	<-ticker.C
	c.Advance(time.Second)
	<-ticker.C

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired after Stop")
	default:
	}
}
