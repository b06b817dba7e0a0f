// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"

	"github.com/lockstep-foundation/lockstep/wire"
)

// Oracle is the scheduler's view of the ordering service: one batch
// submitted per tick, one totally ordered response back. Submit must
// not return a partial response; on transport trouble implementations
// retry internally until the response arrives or ctx is done.
type Oracle interface {
	Submit(ctx context.Context, batch wire.Batch) (wire.Ordered, error)
	Close() error
}
