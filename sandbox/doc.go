// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the per-process filesystem namespace and
// handle table.
//
// Each guest process owns one [Sandbox]: an isolated directory subtree
// on the host named by the process identifier, a descriptor table
// mapping guest fd numbers to [Handle] values, and resource ceilings
// loaded from a YAML [Profile]. No file outside the subtree is ever
// opened on the process's behalf.
//
// Path resolution ([Sandbox.Resolve]) is the security boundary. Every
// guest path is cleaned, checked for upward traversal, and walked
// component by component with lstat; any symlink encountered fails the
// resolution. Symlink creation is denied outright, so the only way a
// symlink can appear inside a sandbox is host-side tampering — and
// resolution still refuses to follow it. Escape attempts are
// process-fatal ([abi.ErrEscape]); the syscalls layer never retries
// them.
//
// All filesystem mutations here are synchronous and local. Determinism
// across replicas holds because every mutation is itself the result of
// an ordered effect or of guest code whose inputs were ordered: the
// sandbox contents are a pure function of the effect sequence.
//
// Ceilings are enforced at operation granularity: a write that would
// cross the byte ceiling writes nothing and fails with
// [abi.ErrDiskLimit], so replicas that agree on the operation sequence
// agree on the failure point and on the final file sizes.
package sandbox
