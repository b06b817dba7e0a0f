// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lockstep-foundation/lockstep/wire"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sequencer, err := NewSequencer(nil, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	server := NewServer(sequencer, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not shut down")
		}
	})
	return server, listener.Addr().String()
}

func TestClientSubmitRoundTrip(t *testing.T) {
	_, address := startTestServer(t)

	var applied uint64
	client, err := Dial(context.Background(), ClientConfig{
		Address:    address,
		Replica:    1,
		AppliedSeq: func() uint64 { return applied },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ordered, err := client.Submit(context.Background(), wire.Batch{
		Replica: 1,
		Tick:    1,
		Intents: []wire.Intent{{ID: 1, PID: 1, Kind: wire.OpSockOpen}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ordered.Effects) != 1 || ordered.Effects[0].Seq != 1 {
		t.Fatalf("ordered = %+v", ordered)
	}
	applied = 1

	ordered, err = client.Submit(context.Background(), wire.Batch{Replica: 1, Tick: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ordered.Effects) != 0 {
		t.Fatalf("caught-up empty tick returned %d effects", len(ordered.Effects))
	}
}

func TestServerDeliversInjectedEffects(t *testing.T) {
	server, address := startTestServer(t)

	client, err := Dial(context.Background(), ClientConfig{
		Address:    address,
		Replica:    1,
		AppliedSeq: func() uint64 { return 0 },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := server.Inject(wire.Intent{PID: 1, Kind: wire.OpStreamData, Data: []byte("hi")}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	ordered, err := client.Submit(context.Background(), wire.Batch{Replica: 1, Tick: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ordered.Effects) != 1 || ordered.Effects[0].Intent.Kind != wire.OpStreamData {
		t.Fatalf("ordered = %+v, want injected stream data", ordered)
	}
}

func TestTwoReplicasSeeSameOrder(t *testing.T) {
	_, address := startTestServer(t)

	dial := func(replica uint64) *Client {
		client, err := Dial(context.Background(), ClientConfig{
			Address:    address,
			Replica:    replica,
			AppliedSeq: func() uint64 { return 0 },
		})
		if err != nil {
			t.Fatalf("dial replica %d: %v", replica, err)
		}
		t.Cleanup(func() { client.Close() })
		return client
	}
	first := dial(1)
	second := dial(2)

	if _, err := first.Submit(context.Background(), wire.Batch{
		Replica: 1, Tick: 1,
		Intents: []wire.Intent{{ID: 1, PID: 1, Kind: wire.OpSockOpen}},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The second replica's empty tick returns the first replica's
	// ordered intent, in the same global sequence.
	ordered, err := second.Submit(context.Background(), wire.Batch{Replica: 2, Tick: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ordered.Effects) != 1 || ordered.Effects[0].Seq != 1 || ordered.Effects[0].Origin != 1 {
		t.Fatalf("ordered = %+v", ordered)
	}
}
