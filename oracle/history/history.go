// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package history persists the oracle's ordered effect sequence in
// SQLite. The sequence is the system's source of truth: a restarted
// oracle reloads it to continue numbering, and a rejoining replica
// replays it to catch up.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lockstep-foundation/lockstep/lib/codec"
	"github.com/lockstep-foundation/lockstep/lib/sqlitepool"
	"github.com/lockstep-foundation/lockstep/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS effects (
	seq    INTEGER PRIMARY KEY,
	origin INTEGER NOT NULL,
	intent BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS replica_ticks (
	replica INTEGER PRIMARY KEY,
	tick    INTEGER NOT NULL
);
`

// Store is a SQLite-backed effect history. It implements
// oracle.HistoryStore.
type Store struct {
	pool *sqlitepool.Pool
}

// Open creates or opens the history database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Append records effects in order, atomically.
func (s *Store) Append(effects []wire.Effect) error {
	ctx := context.Background()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("beginning history transaction: %w", err)
	}
	defer endFn(&err)

	for _, effect := range effects {
		body, err := codec.Marshal(effect.Intent)
		if err != nil {
			return fmt.Errorf("encoding intent for seq %d: %w", effect.Seq, err)
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO effects (seq, origin, intent) VALUES (:seq, :origin, :intent)`,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":seq":    int64(effect.Seq),
					":origin": int64(effect.Origin),
					":intent": body,
				},
			})
		if err != nil {
			return fmt.Errorf("inserting effect %d: %w", effect.Seq, err)
		}
	}
	return nil
}

// LoadAbove returns every stored effect with Seq > seq in sequence
// order.
func (s *Store) LoadAbove(seq uint64) ([]wire.Effect, error) {
	ctx := context.Background()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var effects []wire.Effect
	err = sqlitex.Execute(conn,
		`SELECT seq, origin, intent FROM effects WHERE seq > :seq ORDER BY seq`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":seq": int64(seq)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, body)
				var intent wire.Intent
				if err := codec.Unmarshal(body, &intent); err != nil {
					return fmt.Errorf("decoding intent for seq %d: %w", stmt.ColumnInt64(0), err)
				}
				effects = append(effects, wire.Effect{
					Seq:    uint64(stmt.ColumnInt64(0)),
					Origin: uint64(stmt.ColumnInt64(1)),
					Intent: intent,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("loading effects above %d: %w", seq, err)
	}
	return effects, nil
}

// LastSeq returns the highest stored sequence number, zero when the
// history is empty.
func (s *Store) LastSeq() (uint64, error) {
	ctx := context.Background()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var last uint64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) FROM effects`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", err)
	}
	return last, nil
}

// SetTick records the last ordered tick for a replica.
func (s *Store) SetTick(replica, tick uint64) error {
	ctx := context.Background()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO replica_ticks (replica, tick) VALUES (:replica, :tick)
		 ON CONFLICT (replica) DO UPDATE SET tick = excluded.tick`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":replica": int64(replica),
				":tick":    int64(tick),
			},
		})
	if err != nil {
		return fmt.Errorf("recording tick for replica %d: %w", replica, err)
	}
	return nil
}

// Ticks returns the last ordered tick per replica.
func (s *Store) Ticks() (map[uint64]uint64, error) {
	ctx := context.Background()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	ticks := make(map[uint64]uint64)
	err = sqlitex.Execute(conn,
		`SELECT replica, tick FROM replica_ticks`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ticks[uint64(stmt.ColumnInt64(0))] = uint64(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("loading replica ticks: %w", err)
	}
	return ticks, nil
}
