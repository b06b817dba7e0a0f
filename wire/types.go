// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// OpKind identifies the operation an intent requests or an effect
// applies. Values are wire constants shared with the oracle; changing
// them breaks mixed-version fleets.
type OpKind uint8

const (
	// Replica-submitted kinds.
	OpSockOpen     OpKind = 1
	OpSockListen   OpKind = 2
	OpSockConnect  OpKind = 3
	OpSockAccept   OpKind = 4
	OpSockSend     OpKind = 5
	OpSockRecv     OpKind = 6
	OpSockShutdown OpKind = 7
	OpSockClose    OpKind = 8
	OpSleep        OpKind = 9
	OpStreamRead   OpKind = 10

	// Oracle-synthesized kinds (Effect.Origin == 0).
	OpDeliver      OpKind = 32
	OpClockAdvance OpKind = 33
	OpSpawn        OpKind = 34
	OpStreamData   OpKind = 35
)

// String returns the operation's wire name.
func (k OpKind) String() string {
	switch k {
	case OpSockOpen:
		return "sock_open"
	case OpSockListen:
		return "sock_listen"
	case OpSockConnect:
		return "sock_connect"
	case OpSockAccept:
		return "sock_accept"
	case OpSockSend:
		return "sock_send"
	case OpSockRecv:
		return "sock_recv"
	case OpSockShutdown:
		return "sock_shutdown"
	case OpSockClose:
		return "sock_close"
	case OpSleep:
		return "sleep"
	case OpStreamRead:
		return "stream_read"
	case OpDeliver:
		return "deliver"
	case OpClockAdvance:
		return "clock_advance"
	case OpSpawn:
		return "spawn"
	case OpStreamData:
		return "stream_data"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Intent is one requested operation, pending ordering. ID is assigned
// by the submitting scheduler and is unique per (replica, pid); the
// oracle echoes it so the replica can match the effect to the blocked
// process. Parameter fields are populated per kind and otherwise
// omitted from the encoding.
type Intent struct {
	ID   uint64 `cbor:"id"`
	PID  uint64 `cbor:"pid"`
	Kind OpKind `cbor:"kind"`

	FD      int32  `cbor:"fd,omitempty"`      // socket ops
	Port    uint32 `cbor:"port,omitempty"`    // connect target (canonical)
	Backlog int32  `cbor:"backlog,omitempty"` // listen
	How     uint8  `cbor:"how,omitempty"`     // shutdown
	Data    []byte `cbor:"data,omitempty"`    // send payload
	Size    uint32 `cbor:"size,omitempty"`    // recv / stream read
	Nanos   uint64 `cbor:"nanos,omitempty"`   // sleep duration, clock advance
	Module  string `cbor:"module,omitempty"`  // spawn: module content hash
}

// Effect is one ordered operation. Seq is the oracle's global
// sequence number, dense and strictly increasing across all effects
// it ever emits; replicas use it as the idempotence high-water mark.
// Origin is the submitting replica, or zero for effects the oracle
// synthesized.
type Effect struct {
	Seq    uint64 `cbor:"seq"`
	Origin uint64 `cbor:"origin,omitempty"`
	Intent Intent `cbor:"intent"`
}

// Batch is one scheduler tick's worth of intents from one replica.
// Ticks are submitted in order; the oracle rejects gaps. AppliedSeq is
// the replica's effect high-water mark, letting the oracle trim its
// response and letting a resubmitted batch (lost response) fetch the
// already-ordered effects instead of ordering twice. SleepHint, when
// nonzero, is the earliest absolute virtual-clock deadline any of the
// replica's processes is sleeping toward; the oracle synthesizes a
// clock advance when nothing else would unblock the fleet.
type Batch struct {
	Replica    uint64   `cbor:"replica"`
	Tick       uint64   `cbor:"tick"`
	AppliedSeq uint64   `cbor:"applied_seq"`
	SleepHint  uint64   `cbor:"sleep_hint,omitempty"`
	Intents    []Intent `cbor:"intents,omitempty"`
}

// Ordered is the oracle's response to one Batch: every effect ordered
// since the replica's previous response, which always includes this
// batch's own intents.
type Ordered struct {
	Tick    uint64   `cbor:"tick"`
	Effects []Effect `cbor:"effects,omitempty"`
}

// Hello opens a replica connection. AppliedSeq is the replica's
// high-water mark; the oracle replays every historical effect above
// it before accepting new batches, so a restarted replica catches up
// deterministically.
type Hello struct {
	Replica    uint64 `cbor:"replica"`
	AppliedSeq uint64 `cbor:"applied_seq"`
}
