// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "os"

// HandleKind discriminates the resource behind a descriptor.
type HandleKind uint8

const (
	HandleFile HandleKind = iota
	HandleDirectory
	HandleStream
	HandleSocket
)

// String returns the lowercase kind name.
func (k HandleKind) String() string {
	switch k {
	case HandleFile:
		return "file"
	case HandleDirectory:
		return "directory"
	case HandleStream:
		return "stream"
	case HandleSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Handle is a resource owned by exactly one process's descriptor
// table; handles are never shared across processes. File, directory,
// and stream handles live in this package; socket handles are
// implemented by the nat package.
type Handle interface {
	HandleKind() HandleKind

	// CloseHandle releases host resources behind the handle. It must
	// be idempotent.
	CloseHandle() error
}

// FileHandle is an open regular file inside the sandbox with an
// explicit read/write offset.
type FileHandle struct {
	// GuestPath is the sandbox-absolute path the guest opened,
	// retained for digests and logging.
	GuestPath string

	// Offset is the current read/write position. All I/O goes through
	// ReadAt/WriteAt so the host file's own cursor is irrelevant.
	Offset int64

	// Append forces every write to the end of the file.
	Append bool

	file *os.File
}

func (h *FileHandle) HandleKind() HandleKind { return HandleFile }

func (h *FileHandle) CloseHandle() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// DirHandle is an open directory. Entries is the sorted snapshot
// taken at open; fd_readdir pages into it by guest-supplied cookie,
// so paging is deterministic even if the directory changes between
// calls and replaying a cookie replays the same page.
type DirHandle struct {
	GuestPath string
	Entries   []DirEntry
}

// DirEntry is one directory entry in a readdir snapshot.
type DirEntry struct {
	Name string
	Dir  bool
}

func (h *DirHandle) HandleKind() HandleKind { return HandleDirectory }

func (h *DirHandle) CloseHandle() error { return nil }

// StreamHandle is a byte-stream descriptor: stdin fed by ordered
// deliver effects, or stdout/stderr draining into the host log. A
// readable stream with Sink nil buffers delivered bytes until the
// guest reads them.
type StreamHandle struct {
	// Name identifies the stream in logs ("stdin", "stdout", "stderr").
	Name string

	// Sink, when non-nil, receives every write. Writable streams
	// never buffer.
	Sink func(line []byte)

	buf     []byte
	readPtr int
	closed  bool
}

func (h *StreamHandle) HandleKind() HandleKind { return HandleStream }

func (h *StreamHandle) CloseHandle() error {
	h.closed = true
	return nil
}

// Push appends delivered bytes to a readable stream's buffer. Called
// only by the scheduler while applying an ordered deliver effect.
func (h *StreamHandle) Push(data []byte) {
	h.buf = append(h.buf, data...)
}

// Pending reports whether unread bytes are buffered.
func (h *StreamHandle) Pending() bool { return h.readPtr < len(h.buf) }

// Closed reports whether the stream has been closed.
func (h *StreamHandle) Closed() bool { return h.closed }

// Read drains up to size buffered bytes. It returns nil when nothing
// is pending; the syscalls layer turns that into a blocking intent
// rather than a guest-visible empty read.
func (h *StreamHandle) Read(size uint32) []byte {
	if !h.Pending() {
		return nil
	}
	end := h.readPtr + int(size)
	if end > len(h.buf) {
		end = len(h.buf)
	}
	out := make([]byte, end-h.readPtr)
	copy(out, h.buf[h.readPtr:end])
	h.readPtr = end
	if h.readPtr == len(h.buf) {
		// Everything consumed; reset so the buffer does not grow
		// without bound across the process lifetime.
		h.buf = h.buf[:0]
		h.readPtr = 0
	}
	return out
}

// Write delivers data to the stream's sink.
func (h *StreamHandle) Write(data []byte) {
	if h.Sink != nil {
		h.Sink(data)
	}
}
