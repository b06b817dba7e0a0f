// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"path/filepath"
	"testing"

	"github.com/lockstep-foundation/lockstep/wire"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndLoad(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "history.db"))

	effects := []wire.Effect{
		{Seq: 1, Origin: 1, Intent: wire.Intent{ID: 1, PID: 1, Kind: wire.OpSockOpen}},
		{Seq: 2, Origin: 1, Intent: wire.Intent{ID: 2, PID: 1, Kind: wire.OpSockSend, FD: 3, Data: []byte("x")}},
		{Seq: 3, Intent: wire.Intent{Kind: wire.OpClockAdvance, Nanos: 99}},
	}
	if err := store.Append(effects); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := store.LoadAbove(1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d effects, want 2", len(loaded))
	}
	if loaded[0].Seq != 2 || loaded[0].Intent.Kind != wire.OpSockSend {
		t.Fatalf("loaded[0] = %+v", loaded[0])
	}
	if string(loaded[0].Intent.Data) != "x" {
		t.Fatalf("payload = %q", loaded[0].Intent.Data)
	}
	if loaded[1].Intent.Nanos != 99 {
		t.Fatalf("loaded[1] = %+v", loaded[1])
	}

	last, err := store.LastSeq()
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 3 {
		t.Fatalf("last seq = %d, want 3", last)
	}
}

func TestTicksSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store := openTestStore(t, path)
	if err := store.Append([]wire.Effect{
		{Seq: 1, Origin: 2, Intent: wire.Intent{ID: 1, PID: 1, Kind: wire.OpSleep, Nanos: 5}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.SetTick(2, 7); err != nil {
		t.Fatalf("set tick: %v", err)
	}
	if err := store.SetTick(2, 8); err != nil {
		t.Fatalf("update tick: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	ticks, err := reopened.Ticks()
	if err != nil {
		t.Fatalf("ticks: %v", err)
	}
	if ticks[2] != 8 {
		t.Fatalf("replica 2 tick = %d, want 8", ticks[2])
	}
	last, err := reopened.LastSeq()
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 1 {
		t.Fatalf("last seq after reopen = %d, want 1", last)
	}
}

func TestEmptyStore(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "history.db"))

	last, err := store.LastSeq()
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 0 {
		t.Fatalf("last seq on empty store = %d", last)
	}
	loaded, err := store.LoadAbove(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("empty store returned %d effects", len(loaded))
	}
}
