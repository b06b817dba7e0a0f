// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lockstep-foundation/lockstep/lib/codec"
)

// FrameType identifies what a frame's body decodes to.
type FrameType uint8

const (
	// FrameHello carries a Hello. First frame on every replica
	// connection, replica to oracle.
	FrameHello FrameType = 0x01

	// FrameSubmit carries a Batch, replica to oracle.
	FrameSubmit FrameType = 0x02

	// FrameOrdered carries an Ordered, oracle to replica.
	FrameOrdered FrameType = 0x03
)

// frameHeaderLength is the fixed frame header: 1 byte frame type,
// 1 byte compression tag, 4 bytes uncompressed body length, 4 bytes
// encoded body length (both big-endian uint32).
const frameHeaderLength = 10

// maxBodyLength bounds the uncompressed body size a reader will
// accept. A full history replay to a rejoining replica is the largest
// frame the protocol produces.
const maxBodyLength = 64 * 1024 * 1024

// compressThreshold is the body size below which compression is
// skipped outright.
const compressThreshold = 512

// zstdThreshold is the body size at which zstd's ratio beats lz4's
// speed. Per-tick batches stay below it; a history replay to a
// rejoining replica does not.
const zstdThreshold = 64 * 1024

// WriteFrame CBOR-encodes v and writes it as one framed message.
// Bodies above the threshold are lz4-compressed, switching to zstd at
// history-replay scale; incompressible bodies fall back to the
// uncompressed tag.
func WriteFrame(w io.Writer, frameType FrameType, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame body: %w", err)
	}

	tag := CompressionNone
	encoded := body
	if len(body) >= compressThreshold {
		want := CompressionLZ4
		if len(body) >= zstdThreshold {
			want = CompressionZstd
		}
		compressed, err := compress(body, want)
		switch {
		case err == nil:
			tag = want
			encoded = compressed
		case err == errIncompressible:
			// Keep the uncompressed body.
		default:
			return err
		}
	}

	var header [frameHeaderLength]byte
	header[0] = byte(frameType)
	header[1] = byte(tag)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	binary.BigEndian.PutUint32(header[6:10], uint32(len(encoded)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(encoded) > 0 {
		if _, err := w.Write(encoded); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r and decodes its body into
// v. Returns the frame type so the caller can dispatch before
// trusting the body shape; pass a pointer of the matching type.
func ReadFrame(r io.Reader, v any) (FrameType, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, fmt.Errorf("read frame header: %w", err)
	}
	frameType := FrameType(header[0])
	tag := CompressionTag(header[1])
	bodyLength := binary.BigEndian.Uint32(header[2:6])
	encodedLength := binary.BigEndian.Uint32(header[6:10])
	if bodyLength > maxBodyLength {
		return 0, fmt.Errorf("frame body length %d exceeds maximum %d", bodyLength, maxBodyLength)
	}
	if encodedLength > maxBodyLength {
		return 0, fmt.Errorf("frame encoded length %d exceeds maximum %d", encodedLength, maxBodyLength)
	}

	encoded := make([]byte, encodedLength)
	if encodedLength > 0 {
		if _, err := io.ReadFull(r, encoded); err != nil {
			return 0, fmt.Errorf("read frame body: %w", err)
		}
	}
	body, err := decompress(encoded, tag, int(bodyLength))
	if err != nil {
		return 0, err
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return 0, fmt.Errorf("decode frame body: %w", err)
	}
	return frameType, nil
}
