// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for everything
// that crosses the oracle wire or feeds a state digest.
//
// Replicas compare blake3 digests of encoded state to detect
// divergence, and the oracle deduplicates resubmitted batches by their
// encoded bytes. Both only work if the same logical value always
// encodes to the same bytes, so the encoder is configured with Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items.
//
// The decoder accepts standard CBOR and silently ignores unknown
// fields, so a newer oracle can add effect fields without breaking
// older replicas mid-rollout.
//
// Internal types use cbor struct tags. Consumers import only this
// package, never fxamacker/cbor directly.
package codec
