// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lockstep-foundation/lockstep/wire"
)

// intentKey identifies an intent across the whole system: intent IDs
// are a per-process deterministic counter, identical on every replica.
type intentKey struct {
	pid uint64
	id  uint64
}

// HistoryStore persists ordered effects so a restarted oracle (or a
// rejoining replica) can recover the full sequence. Implementations
// live in oracle/history; a nil store keeps history in memory only.
type HistoryStore interface {
	// Append durably records effects, in order. Called with
	// monotonically increasing sequence numbers.
	Append(effects []wire.Effect) error

	// LoadAbove returns every stored effect with Seq > seq, in
	// sequence order.
	LoadAbove(seq uint64) ([]wire.Effect, error)

	// LastSeq returns the highest stored sequence number, zero when
	// empty.
	LastSeq() (uint64, error)

	// SetTick durably records the last ordered tick for a replica.
	SetTick(replica, tick uint64) error

	// Ticks returns the last ordered tick per replica.
	Ticks() (map[uint64]uint64, error)
}

// Sequencer is the ordering core: it turns batches of intents into a
// single global effect sequence. Safe for concurrent use; the TCP
// server calls Order from one goroutine per replica connection.
type Sequencer struct {
	mu         sync.Mutex
	seq        uint64
	history    []wire.Effect
	lastTick   map[uint64]uint64
	clockNanos uint64

	// ordered tracks which (pid, intent id) pairs are already in the
	// sequence. Every replica runs every process and submits the same
	// deterministic intent stream; only the first copy is ordered.
	ordered map[intentKey]bool

	store  HistoryStore
	logger *slog.Logger
}

// NewSequencer creates a sequencer. When store is non-nil, previously
// persisted effects are loaded so sequence numbering continues where
// the last run stopped.
func NewSequencer(store HistoryStore, logger *slog.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sequencer{
		lastTick: make(map[uint64]uint64),
		ordered:  make(map[intentKey]bool),
		store:    store,
		logger:   logger,
	}
	if store != nil {
		effects, err := store.LoadAbove(0)
		if err != nil {
			return nil, fmt.Errorf("loading effect history: %w", err)
		}
		s.history = effects
		if n := len(effects); n > 0 {
			s.seq = effects[n-1].Seq
		}
		for _, effect := range effects {
			if effect.Intent.Kind == wire.OpClockAdvance && effect.Intent.Nanos > s.clockNanos {
				s.clockNanos = effect.Intent.Nanos
			}
			if effect.Origin != 0 {
				s.ordered[intentKey{effect.Intent.PID, effect.Intent.ID}] = true
			}
		}
		ticks, err := store.Ticks()
		if err != nil {
			return nil, fmt.Errorf("loading replica ticks: %w", err)
		}
		for replica, tick := range ticks {
			s.lastTick[replica] = tick
		}
		logger.Info("effect history loaded", "effects", len(effects), "seq", s.seq)
	}
	return s, nil
}

// Order sequences one batch and returns every effect above the
// batch's applied high-water mark. A batch resubmitting the replica's
// previous tick is not ordered again; a batch skipping a tick is a
// protocol error.
func (s *Sequencer) Order(batch wire.Batch) (wire.Ordered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastTick[batch.Replica]
	switch {
	case batch.Tick == last && last != 0:
		// Resubmission after a lost response; the intents are already
		// in the history.
		s.logger.Info("duplicate tick resubmitted",
			"replica", batch.Replica, "tick", batch.Tick)

	case batch.Tick == last+1:
		fresh := make([]wire.Effect, 0, len(batch.Intents))
		for _, intent := range batch.Intents {
			key := intentKey{intent.PID, intent.ID}
			if s.ordered[key] {
				// Another replica's copy of the same deterministic
				// intent is already in the sequence.
				continue
			}
			s.ordered[key] = true
			s.seq++
			fresh = append(fresh, wire.Effect{
				Seq:    s.seq,
				Origin: batch.Replica,
				Intent: intent,
			})
		}
		if len(fresh) == 0 && batch.SleepHint > s.clockNanos && s.fleetIdle(batch) {
			// Every process on the replica is waiting on the virtual
			// clock and no other effects are pending for it; advance
			// the clock to the earliest deadline.
			s.seq++
			s.clockNanos = batch.SleepHint
			fresh = append(fresh, wire.Effect{
				Seq:    s.seq,
				Intent: wire.Intent{Kind: wire.OpClockAdvance, Nanos: batch.SleepHint},
			})
		}
		if len(fresh) > 0 {
			if s.store != nil {
				if err := s.store.Append(fresh); err != nil {
					return wire.Ordered{}, fmt.Errorf("persisting effects: %w", err)
				}
			}
			s.history = append(s.history, fresh...)
		}
		if s.store != nil {
			if err := s.store.SetTick(batch.Replica, batch.Tick); err != nil {
				return wire.Ordered{}, fmt.Errorf("persisting replica tick: %w", err)
			}
		}
		s.lastTick[batch.Replica] = batch.Tick

	default:
		return wire.Ordered{}, fmt.Errorf("replica %d submitted tick %d after tick %d",
			batch.Replica, batch.Tick, last)
	}

	return wire.Ordered{Tick: batch.Tick, Effects: s.above(batch.AppliedSeq)}, nil
}

// Inject appends an oracle-originated effect: stdin delivery or an
// externally routed payload. The effect reaches every replica in its
// next Order response.
func (s *Sequencer) Inject(intent wire.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	effect := wire.Effect{Seq: s.seq, Intent: intent}
	if s.store != nil {
		if err := s.store.Append([]wire.Effect{effect}); err != nil {
			s.seq--
			return fmt.Errorf("persisting injected effect: %w", err)
		}
	}
	s.history = append(s.history, effect)
	return nil
}

// fleetIdle reports whether advancing the clock for this batch cannot
// preempt an undelivered effect: the submitting replica must already
// hold everything ordered so far.
func (s *Sequencer) fleetIdle(batch wire.Batch) bool {
	return batch.AppliedSeq == s.seq
}

// above returns the effects with Seq > seq. History is append-only
// and dense, so the suffix is located by offset.
func (s *Sequencer) above(seq uint64) []wire.Effect {
	if len(s.history) == 0 {
		return nil
	}
	first := s.history[0].Seq
	if seq < first {
		return append([]wire.Effect(nil), s.history...)
	}
	offset := int(seq - first + 1)
	if offset >= len(s.history) {
		return nil
	}
	return append([]wire.Effect(nil), s.history[offset:]...)
}
