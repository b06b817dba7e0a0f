// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lockstep-foundation/lockstep/lib/clock"
	"github.com/lockstep-foundation/lockstep/lib/netutil"
	"github.com/lockstep-foundation/lockstep/wire"
)

// ClientConfig holds the parameters for connecting to a
// lockstep-oracle server.
type ClientConfig struct {
	// Address is the server's host:port.
	Address string

	// Replica identifies this replica to the sequencer. Must be
	// nonzero and unique across the fleet.
	Replica uint64

	// AppliedSeq reports the replica's current effect high-water
	// mark, read at every handshake so a reconnect resumes from the
	// right point.
	AppliedSeq func() uint64

	// Clock paces reconnect backoff. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives connection lifecycle messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Reconnect backoff bounds. The first retry is nearly immediate; the
// interval doubles up to the cap.
const (
	backoffInitial = 50 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Client is a TCP Oracle. Submission is at-least-once: any transport
// failure closes the connection, reconnects with backoff, and
// resubmits the in-flight batch. The sequencer deduplicates by tick,
// so a lost response costs a round trip, never a double ordering.
type Client struct {
	config ClientConfig
	conn   net.Conn
	logger *slog.Logger
	clk    clock.Clock
}

// Dial connects to the oracle and performs the hello handshake.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.Replica == 0 {
		return nil, fmt.Errorf("oracle client: replica id must be nonzero")
	}
	if config.AppliedSeq == nil {
		return nil, fmt.Errorf("oracle client: AppliedSeq is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	c := &Client{config: config, logger: logger, clk: clk}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return fmt.Errorf("dialing oracle %s: %w", c.config.Address, err)
	}
	hello := wire.Hello{
		Replica:    c.config.Replica,
		AppliedSeq: c.config.AppliedSeq(),
	}
	if err := wire.WriteFrame(conn, wire.FrameHello, &hello); err != nil {
		conn.Close()
		return fmt.Errorf("sending hello: %w", err)
	}
	c.conn = conn
	c.logger.Info("connected to oracle",
		"address", c.config.Address, "applied_seq", hello.AppliedSeq)
	return nil
}

// Submit sends the batch and waits for the ordered response,
// reconnecting and resubmitting until one arrives or ctx is done.
func (c *Client) Submit(ctx context.Context, batch wire.Batch) (wire.Ordered, error) {
	backoff := backoffInitial
	for {
		ordered, err := c.exchange(batch)
		if err == nil {
			return ordered, nil
		}
		if !netutil.IsExpectedCloseError(err) {
			c.logger.Warn("oracle exchange failed",
				"tick", batch.Tick, "error", err)
		}
		c.dropConnection()

		select {
		case <-ctx.Done():
			return wire.Ordered{}, ctx.Err()
		case <-c.clk.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
		if c.conn == nil {
			if err := c.connect(ctx); err != nil {
				c.logger.Warn("oracle reconnect failed", "error", err)
			}
		}
	}
}

func (c *Client) exchange(batch wire.Batch) (wire.Ordered, error) {
	if c.conn == nil {
		return wire.Ordered{}, net.ErrClosed
	}
	// Refresh the high-water mark: a resubmitted batch must not pull
	// effects the replica applied from an earlier, lost response.
	batch.AppliedSeq = c.config.AppliedSeq()
	if err := wire.WriteFrame(c.conn, wire.FrameSubmit, &batch); err != nil {
		return wire.Ordered{}, err
	}
	var ordered wire.Ordered
	frameType, err := wire.ReadFrame(c.conn, &ordered)
	if err != nil {
		return wire.Ordered{}, err
	}
	if frameType != wire.FrameOrdered {
		return wire.Ordered{}, fmt.Errorf("unexpected frame type %d in response", frameType)
	}
	return ordered, nil
}

func (c *Client) dropConnection() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
