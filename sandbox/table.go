// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"

	"github.com/lockstep-foundation/lockstep/abi"
)

// Table is one process's descriptor table. Allocation returns the
// lowest free descriptor number, so freed descriptors are recycled and
// numbering is a deterministic function of the open/close sequence.
type Table struct {
	entries []Handle
	max     int
}

// NewTable returns a table bounded at max descriptors.
func NewTable(max int) *Table {
	return &Table{max: max}
}

// Allocate binds handle to the lowest free descriptor. Fails with
// abi.ErrTooManyOpenFiles once max descriptors are open.
func (t *Table) Allocate(handle Handle) (abi.FD, error) {
	for i, existing := range t.entries {
		if existing == nil {
			t.entries[i] = handle
			return abi.FD(i), nil
		}
	}
	if len(t.entries) >= t.max {
		return 0, fmt.Errorf("allocating descriptor: %w", abi.ErrTooManyOpenFiles)
	}
	t.entries = append(t.entries, handle)
	return abi.FD(len(t.entries) - 1), nil
}

// Get returns the handle behind fd, or abi.ErrBadDescriptor.
func (t *Table) Get(fd abi.FD) (Handle, error) {
	if fd < 0 || int(fd) >= len(t.entries) || t.entries[fd] == nil {
		return nil, fmt.Errorf("descriptor %d: %w", fd, abi.ErrBadDescriptor)
	}
	return t.entries[fd], nil
}

// Release closes and frees fd. Releasing an unopened descriptor fails
// with abi.ErrBadDescriptor.
func (t *Table) Release(fd abi.FD) error {
	handle, err := t.Get(fd)
	if err != nil {
		return err
	}
	closeErr := handle.CloseHandle()
	t.entries[fd] = nil
	if closeErr != nil {
		return fmt.Errorf("closing descriptor %d: %w", fd, closeErr)
	}
	return nil
}

// Full reports whether the table is at its descriptor ceiling. The
// scheduler checks this before operations that must reserve numbering
// only when a descriptor is guaranteed to be available.
func (t *Table) Full() bool {
	return t.Open() >= t.max
}

// Open returns the number of live descriptors.
func (t *Table) Open() int {
	count := 0
	for _, h := range t.entries {
		if h != nil {
			count++
		}
	}
	return count
}

// Walk calls fn for each live descriptor in ascending fd order.
func (t *Table) Walk(fn func(fd abi.FD, handle Handle)) {
	for i, h := range t.entries {
		if h != nil {
			fn(abi.FD(i), h)
		}
	}
}

// CloseAll releases every descriptor. Used when a process terminates.
func (t *Table) CloseAll() {
	for i, h := range t.entries {
		if h != nil {
			_ = h.CloseHandle()
			t.entries[i] = nil
		}
	}
}
