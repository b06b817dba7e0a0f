// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"testing"

	"github.com/lockstep-foundation/lockstep/wire"
)

func mustOrder(t *testing.T, s *Sequencer, batch wire.Batch) wire.Ordered {
	t.Helper()
	ordered, err := s.Order(batch)
	if err != nil {
		t.Fatalf("order tick %d: %v", batch.Tick, err)
	}
	return ordered
}

func TestOrderAssignsDenseSequence(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	ordered := mustOrder(t, s, wire.Batch{
		Replica: 1,
		Tick:    1,
		Intents: []wire.Intent{
			{ID: 1, PID: 1, Kind: wire.OpSockOpen},
			{ID: 2, PID: 2, Kind: wire.OpSockOpen},
		},
	})
	if len(ordered.Effects) != 2 {
		t.Fatalf("effects = %d, want 2", len(ordered.Effects))
	}
	for i, effect := range ordered.Effects {
		if effect.Seq != uint64(i+1) {
			t.Fatalf("effect %d seq = %d, want %d", i, effect.Seq, i+1)
		}
		if effect.Origin != 1 {
			t.Fatalf("effect %d origin = %d, want 1", i, effect.Origin)
		}
	}
}

func TestOrderTrimsByAppliedSeq(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	mustOrder(t, s, wire.Batch{Replica: 1, Tick: 1, Intents: []wire.Intent{
		{ID: 1, PID: 1, Kind: wire.OpSockOpen},
		{ID: 2, PID: 1, Kind: wire.OpSockListen, FD: 3, Backlog: 5},
	}})

	ordered := mustOrder(t, s, wire.Batch{Replica: 1, Tick: 2, AppliedSeq: 1, Intents: []wire.Intent{
		{ID: 3, PID: 1, Kind: wire.OpSockAccept, FD: 3},
	}})
	if len(ordered.Effects) != 2 {
		t.Fatalf("effects = %d, want 2 (one unapplied, one fresh)", len(ordered.Effects))
	}
	if ordered.Effects[0].Seq != 2 || ordered.Effects[1].Seq != 3 {
		t.Fatalf("effect seqs = %d, %d", ordered.Effects[0].Seq, ordered.Effects[1].Seq)
	}
}

func TestDuplicateTickNotOrderedTwice(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	batch := wire.Batch{Replica: 1, Tick: 1, Intents: []wire.Intent{
		{ID: 1, PID: 1, Kind: wire.OpSockOpen},
	}}
	first := mustOrder(t, s, batch)
	// Same tick resubmitted after a lost response: the same effect
	// comes back, no new sequence number is burned.
	second := mustOrder(t, s, batch)

	if len(first.Effects) != 1 || len(second.Effects) != 1 {
		t.Fatalf("effects = %d then %d, want 1 and 1", len(first.Effects), len(second.Effects))
	}
	if second.Effects[0].Seq != first.Effects[0].Seq {
		t.Fatalf("resubmission reordered: seq %d then %d",
			first.Effects[0].Seq, second.Effects[0].Seq)
	}
}

func TestTickGapRejected(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	mustOrder(t, s, wire.Batch{Replica: 1, Tick: 1})
	if _, err := s.Order(wire.Batch{Replica: 1, Tick: 3}); err == nil {
		t.Fatalf("tick gap accepted")
	}
}

func TestSleepHintAdvancesClock(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	// An empty batch with a sleep hint, from a fully caught-up
	// replica, synthesizes a clock advance.
	ordered := mustOrder(t, s, wire.Batch{Replica: 1, Tick: 1, SleepHint: 1_000_000})
	if len(ordered.Effects) != 1 {
		t.Fatalf("effects = %d, want 1", len(ordered.Effects))
	}
	effect := ordered.Effects[0]
	if effect.Intent.Kind != wire.OpClockAdvance || effect.Intent.Nanos != 1_000_000 {
		t.Fatalf("effect = %+v, want clock_advance to 1ms", effect.Intent)
	}
	if effect.Origin != 0 {
		t.Fatalf("clock advance origin = %d, want 0", effect.Origin)
	}

	// A hint at or below the current clock does nothing.
	ordered = mustOrder(t, s, wire.Batch{Replica: 1, Tick: 2, AppliedSeq: 1, SleepHint: 1_000_000})
	if len(ordered.Effects) != 0 {
		t.Fatalf("stale hint produced %d effects", len(ordered.Effects))
	}
}

func TestSleepHintIgnoredWhenBehind(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	if err := s.Inject(wire.Intent{PID: 1, Kind: wire.OpStreamData, Data: []byte("in")}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	// The replica has not applied the injected effect yet; the clock
	// must not jump past input that could unblock a process.
	ordered := mustOrder(t, s, wire.Batch{Replica: 1, Tick: 1, SleepHint: 500})
	if len(ordered.Effects) != 1 || ordered.Effects[0].Intent.Kind != wire.OpStreamData {
		t.Fatalf("effects = %+v, want only the injected stream data", ordered.Effects)
	}
}

func TestDuplicateIntentFromSecondReplicaDropped(t *testing.T) {
	s, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	intent := wire.Intent{ID: 1, PID: 1, Kind: wire.OpSockOpen}
	first := mustOrder(t, s, wire.Batch{Replica: 1, Tick: 1, Intents: []wire.Intent{intent}})
	if len(first.Effects) != 1 {
		t.Fatalf("first replica got %d effects", len(first.Effects))
	}

	// The second replica runs the same process and submits the same
	// intent; it gets the already-ordered copy, with origin 1.
	second := mustOrder(t, s, wire.Batch{Replica: 2, Tick: 1, Intents: []wire.Intent{intent}})
	if len(second.Effects) != 1 {
		t.Fatalf("second replica got %d effects, want 1", len(second.Effects))
	}
	if second.Effects[0].Seq != 1 || second.Effects[0].Origin != 1 {
		t.Fatalf("second replica effect = %+v", second.Effects[0])
	}
}

func TestLocalSubmit(t *testing.T) {
	local := NewLocal(nil)
	defer local.Close()

	ordered, err := local.Submit(context.Background(), wire.Batch{
		Replica: 1,
		Tick:    1,
		Intents: []wire.Intent{{ID: 1, PID: 1, Kind: wire.OpSleep, Nanos: 10}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ordered.Effects) != 1 || ordered.Effects[0].Intent.Kind != wire.OpSleep {
		t.Fatalf("ordered = %+v", ordered)
	}
}
