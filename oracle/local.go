// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"log/slog"

	"github.com/lockstep-foundation/lockstep/wire"
)

// Local is an in-process Oracle backed directly by a Sequencer. It is
// the ordering service for single-node deployments and for tests,
// where the total order is simply submission order.
type Local struct {
	sequencer *Sequencer
}

// NewLocal creates a Local oracle with in-memory history.
func NewLocal(logger *slog.Logger) *Local {
	sequencer, err := NewSequencer(nil, logger)
	if err != nil {
		// NewSequencer only fails when loading from a store.
		panic(err)
	}
	return &Local{sequencer: sequencer}
}

// Submit orders the batch synchronously.
func (l *Local) Submit(_ context.Context, batch wire.Batch) (wire.Ordered, error) {
	return l.sequencer.Order(batch)
}

// Inject appends an oracle-originated effect, delivered with the next
// Submit response. Tests use it to stand in for external input.
func (l *Local) Inject(intent wire.Intent) error {
	return l.sequencer.Inject(intent)
}

// Close is a no-op.
func (l *Local) Close() error { return nil }
