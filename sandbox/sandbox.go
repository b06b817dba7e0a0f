// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/lockstep-foundation/lockstep/abi"
)

// Sandbox is one process's isolated filesystem subtree plus its
// descriptor table and resource accounting. All methods are called
// from the scheduler goroutine or from the single guest goroutine the
// scheduler has handed control to; the type is not safe for concurrent
// use and does not need to be.
type Sandbox struct {
	pid     uint64
	root    string
	profile Profile
	table   *Table
	logger  *slog.Logger

	// diskUsage counts bytes currently stored in the subtree;
	// entryCount counts files and directories. Both are maintained
	// incrementally and seeded by a scan when the root already has
	// content (replica restart over persisted state).
	diskUsage  uint64
	entryCount int

	stdin *StreamHandle
}

// New creates or reopens the sandbox rooted at root for process pid.
// The root directory is created if missing, descriptors 0-2 are
// preopened as stdio streams, and existing content is scanned to seed
// the usage counters.
func New(pid uint64, root string, profile Profile, logger *slog.Logger) (*Sandbox, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}

	s := &Sandbox{
		pid:     pid,
		root:    absRoot,
		profile: profile,
		table:   NewTable(profile.MaxOpenFiles),
		logger:  logger.With("pid", pid),
	}
	if err := s.scanUsage(); err != nil {
		return nil, err
	}

	s.stdin = &StreamHandle{Name: "stdin"}
	stdout := &StreamHandle{Name: "stdout", Sink: func(line []byte) {
		s.logger.Info("guest stdout", "data", string(line))
	}}
	stderr := &StreamHandle{Name: "stderr", Sink: func(line []byte) {
		s.logger.Info("guest stderr", "data", string(line))
	}}
	for _, h := range []Handle{s.stdin, stdout, stderr} {
		if _, err := s.table.Allocate(h); err != nil {
			return nil, fmt.Errorf("preopening stdio: %w", err)
		}
	}
	return s, nil
}

// PID returns the owning process identifier.
func (s *Sandbox) PID() uint64 { return s.pid }

// Root returns the host path of the sandbox root.
func (s *Sandbox) Root() string { return s.root }

// Table returns the descriptor table.
func (s *Sandbox) Table() *Table { return s.table }

// Stdin returns the preopened descriptor-0 stream, fed by ordered
// deliver effects.
func (s *Sandbox) Stdin() *StreamHandle { return s.stdin }

// DiskUsage returns the bytes currently stored in the subtree.
func (s *Sandbox) DiskUsage() uint64 { return s.diskUsage }

// EntryCount returns the number of files and directories present.
func (s *Sandbox) EntryCount() int { return s.entryCount }

// scanUsage seeds the accounting counters from existing content.
func (s *Sandbox) scanUsage() error {
	s.diskUsage = 0
	s.entryCount = 0
	err := filepath.WalkDir(s.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		s.entryCount++
		if !entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			s.diskUsage += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning sandbox %d: %w", s.pid, err)
	}
	return nil
}

// Open resolves a guest path and binds a file or directory handle to a
// new descriptor. Directories (existing, or requested via
// OFlagDirectory) get a sorted snapshot for deterministic readdir
// paging.
func (s *Sandbox) Open(rawPath string, flags abi.OFlags, appendMode bool) (abi.FD, error) {
	// Refuse before touching the filesystem: a truncating or creating
	// open must not alter state when no descriptor can be allocated.
	if s.table.Full() {
		return 0, fmt.Errorf("open %q: %w", rawPath, abi.ErrTooManyOpenFiles)
	}

	hostPath, err := s.Resolve(rawPath)
	if err != nil {
		return 0, err
	}

	info, statErr := os.Lstat(hostPath)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return 0, fmt.Errorf("stat %q: %w", rawPath, statErr)
	}

	if exists && info.IsDir() {
		if flags&(OFlagsFileOnly) != 0 {
			return 0, fmt.Errorf("open %q: %w", rawPath, abi.ErrIsDirectory)
		}
		return s.openDirectory(rawPath, hostPath)
	}
	if flags&abi.OFlagDirectory != 0 {
		if !exists {
			return 0, fmt.Errorf("open %q: %w", rawPath, abi.ErrNotFound)
		}
		return 0, fmt.Errorf("open %q: %w", rawPath, abi.ErrNotDirectory)
	}

	if !exists && flags&abi.OFlagCreat == 0 {
		return 0, fmt.Errorf("open %q: %w", rawPath, abi.ErrNotFound)
	}
	if exists && flags&abi.OFlagExcl != 0 {
		return 0, fmt.Errorf("open %q: %w", rawPath, abi.ErrExists)
	}

	if !exists {
		if err := s.checkEntryCeilings(filepath.Dir(hostPath)); err != nil {
			return 0, fmt.Errorf("create %q: %w", rawPath, err)
		}
	}

	hostFlags := os.O_RDWR
	if flags&abi.OFlagCreat != 0 {
		hostFlags |= os.O_CREATE
	}
	if flags&abi.OFlagExcl != 0 {
		hostFlags |= os.O_EXCL
	}

	var truncated uint64
	if exists && flags&abi.OFlagTrunc != 0 {
		truncated = uint64(info.Size())
		hostFlags |= os.O_TRUNC
	}

	file, err := os.OpenFile(hostPath, hostFlags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", rawPath, err)
	}

	handle := &FileHandle{GuestPath: guestPath(rawPath), Append: appendMode, file: file}
	fd, err := s.table.Allocate(handle)
	if err != nil {
		file.Close()
		if !exists {
			os.Remove(hostPath)
		}
		return 0, err
	}

	if !exists {
		s.entryCount++
	}
	s.diskUsage -= truncated
	return fd, nil
}

// OFlagsFileOnly marks flag combinations that contradict opening a
// directory. Truncating or exclusively creating a directory is an
// error, not a directory open.
const OFlagsFileOnly = abi.OFlagTrunc | abi.OFlagExcl

func (s *Sandbox) openDirectory(rawPath, hostPath string) (abi.FD, error) {
	snapshot, err := s.snapshotDir(hostPath)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", rawPath, err)
	}
	return s.table.Allocate(&DirHandle{GuestPath: guestPath(rawPath), Entries: snapshot})
}

// ReadFile reads up to size bytes from a file descriptor at its
// current offset, advancing it. At end of file it returns an empty
// slice and no error, matching the guest-visible zero-length read.
func (s *Sandbox) ReadFile(handle *FileHandle, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	n, err := handle.file.ReadAt(buf, handle.Offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %q: %w", handle.GuestPath, err)
	}
	handle.Offset += int64(n)
	return buf[:n], nil
}

// WriteFile writes data at the descriptor's offset (or end of file in
// append mode). The byte ceiling is checked against the file growth
// before anything is written: a write that would cross it fails
// whole, leaving the file size equal to the bytes successfully written
// by earlier calls — identically on every replica.
func (s *Sandbox) WriteFile(handle *FileHandle, data []byte) (uint32, error) {
	info, err := handle.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", handle.GuestPath, err)
	}
	size := info.Size()

	offset := handle.Offset
	if handle.Append {
		offset = size
	}

	end := offset + int64(len(data))
	var growth uint64
	if end > size {
		growth = uint64(end - size)
	}
	if growth > 0 && s.diskUsage+growth > s.profile.MaxDiskBytes {
		return 0, fmt.Errorf("write %q: %w", handle.GuestPath, abi.ErrDiskLimit)
	}

	n, err := handle.file.WriteAt(data, offset)
	if err != nil {
		return 0, fmt.Errorf("write %q: %w", handle.GuestPath, err)
	}
	handle.Offset = offset + int64(n)
	if int64(n) == int64(len(data)) {
		s.diskUsage += growth
	} else {
		// Short host write: recount actual growth.
		written := offset + int64(n)
		if written > size {
			s.diskUsage += uint64(written - size)
		}
	}
	return uint32(n), nil
}

// Seek moves a file descriptor's offset. Seeking before the start of
// the file fails with abi.ErrInvalidArgument.
func (s *Sandbox) Seek(handle *FileHandle, offset int64, whence abi.Whence) (int64, error) {
	var base int64
	switch whence {
	case abi.WhenceSet:
		base = 0
	case abi.WhenceCur:
		base = handle.Offset
	case abi.WhenceEnd:
		info, err := handle.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat %q: %w", handle.GuestPath, err)
		}
		base = info.Size()
	default:
		return 0, fmt.Errorf("whence %d: %w", whence, abi.ErrInvalidArgument)
	}
	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("seek %q to %d: %w", handle.GuestPath, next, abi.ErrInvalidArgument)
	}
	handle.Offset = next
	return next, nil
}

// Readdir pages through a directory handle's snapshot starting at
// cookie, returning at most maxEntries entries and the next cookie.
func (s *Sandbox) Readdir(handle *DirHandle, cookie uint64, maxEntries uint32) ([]DirEntry, uint64) {
	if cookie >= uint64(len(handle.Entries)) {
		return nil, cookie
	}
	end := cookie + uint64(maxEntries)
	if end > uint64(len(handle.Entries)) {
		end = uint64(len(handle.Entries))
	}
	return handle.Entries[cookie:end], end
}

// Mkdir creates a directory inside the sandbox.
func (s *Sandbox) Mkdir(rawPath string) error {
	hostPath, err := s.Resolve(rawPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(hostPath); err == nil {
		return fmt.Errorf("mkdir %q: %w", rawPath, abi.ErrExists)
	}
	if err := s.checkEntryCeilings(filepath.Dir(hostPath)); err != nil {
		return fmt.Errorf("mkdir %q: %w", rawPath, err)
	}
	if err := os.Mkdir(hostPath, 0o755); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mkdir %q: %w", rawPath, abi.ErrNotFound)
		}
		return fmt.Errorf("mkdir %q: %w", rawPath, err)
	}
	s.entryCount++
	return nil
}

// Rmdir removes an empty directory.
func (s *Sandbox) Rmdir(rawPath string) error {
	hostPath, err := s.Resolve(rawPath)
	if err != nil {
		return err
	}
	info, err := os.Lstat(hostPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("rmdir %q: %w", rawPath, abi.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("rmdir %q: %w", rawPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("rmdir %q: %w", rawPath, abi.ErrNotDirectory)
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return fmt.Errorf("rmdir %q: %w", rawPath, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("rmdir %q: %w", rawPath, abi.ErrNotEmpty)
	}
	if err := os.Remove(hostPath); err != nil {
		return fmt.Errorf("rmdir %q: %w", rawPath, err)
	}
	s.entryCount--
	return nil
}

// Unlink removes a file, crediting its size back to the byte budget.
func (s *Sandbox) Unlink(rawPath string) error {
	hostPath, err := s.Resolve(rawPath)
	if err != nil {
		return err
	}
	info, err := os.Lstat(hostPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("unlink %q: %w", rawPath, abi.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("unlink %q: %w", rawPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("unlink %q: %w", rawPath, abi.ErrIsDirectory)
	}
	if err := os.Remove(hostPath); err != nil {
		return fmt.Errorf("unlink %q: %w", rawPath, err)
	}
	s.diskUsage -= uint64(info.Size())
	s.entryCount--
	return nil
}

// Destroy closes every descriptor and removes the subtree. Called when
// the process terminates, including deterministic termination on a
// sandbox violation.
func (s *Sandbox) Destroy() error {
	s.table.CloseAll()
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("removing sandbox %d: %w", s.pid, err)
	}
	return nil
}

// checkEntryCeilings enforces the per-sandbox and per-directory entry
// limits before a create.
func (s *Sandbox) checkEntryCeilings(hostParent string) error {
	if s.entryCount >= s.profile.MaxEntries {
		return abi.ErrEntryLimit
	}
	siblings, err := os.ReadDir(hostParent)
	if err != nil {
		if os.IsNotExist(err) {
			return abi.ErrNotFound
		}
		return err
	}
	if len(siblings) >= s.profile.MaxDirEntries {
		return abi.ErrEntryLimit
	}
	return nil
}

// snapshotDir reads and sorts a directory's entries. Sorting makes
// readdir paging independent of host readdir order, which differs
// across filesystems.
func (s *Sandbox) snapshotDir(hostPath string) ([]DirEntry, error) {
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, DirEntry{Name: entry.Name(), Dir: entry.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// guestPath normalizes the path stored on handles for digests and
// logging: sandbox-absolute with a single leading slash.
func guestPath(raw string) string {
	cleaned := filepath.ToSlash(raw)
	for len(cleaned) > 0 && cleaned[0] == '/' {
		cleaned = cleaned[1:]
	}
	return "/" + cleaned
}
