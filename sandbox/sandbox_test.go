// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lockstep-foundation/lockstep/abi"
)

func newTestSandbox(t *testing.T, profile Profile) *Sandbox {
	t.Helper()
	s, err := New(1, filepath.Join(t.TempDir(), "1"), profile, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestResolveRejectsUpwardTraversal(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())

	escapes := []string{
		"../other/file",
		"..",
		"a/../../etc/passwd",
		"/../etc/passwd",
		"a/b/../../../../root",
	}
	for _, p := range escapes {
		if _, err := s.Resolve(p); !errors.Is(err, abi.ErrEscape) {
			t.Errorf("Resolve(%q) error = %v, want ErrEscape", p, err)
		}
	}

	inside := []string{"a/b/../c", "/data/file.txt", "./x", "a//b"}
	for _, p := range inside {
		if _, err := s.Resolve(p); err != nil {
			t.Errorf("Resolve(%q) unexpected error: %v", p, err)
		}
	}
}

func TestResolveRejectsEmptyPath(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())
	if _, err := s.Resolve(""); !errors.Is(err, abi.ErrInvalidArgument) {
		t.Fatalf("Resolve(\"\") error = %v, want ErrInvalidArgument", err)
	}
}

func TestResolveRejectsSymlinkComponent(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())

	// Plant a symlink host-side, simulating tampering: the guest
	// itself can never create one.
	outside := t.TempDir()
	link := filepath.Join(s.Root(), "evil")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := s.Resolve("evil/secrets"); !errors.Is(err, abi.ErrEscape) {
		t.Errorf("Resolve through symlink dir error = %v, want ErrEscape", err)
	}
	if _, err := s.Resolve("evil"); !errors.Is(err, abi.ErrEscape) {
		t.Errorf("Resolve of symlink itself error = %v, want ErrEscape", err)
	}
}

func TestOpenCreateReadWrite(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())

	fd, err := s.Open("notes.txt", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	handle, err := s.Table().Get(fd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	file, ok := handle.(*FileHandle)
	if !ok {
		t.Fatalf("handle kind = %v, want file", handle.HandleKind())
	}

	if _, err := s.WriteFile(file, []byte("hello world")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.Seek(file, 0, abi.WhenceSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := s.ReadFile(file, 5)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("read %q, want %q", got, "hello")
	}

	// Read at EOF returns an empty slice.
	if _, err := s.Seek(file, 0, abi.WhenceEnd); err != nil {
		t.Fatalf("Seek end: %v", err)
	}
	got, err = s.ReadFile(file, 16)
	if err != nil {
		t.Fatalf("ReadFile at EOF: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("read %d bytes at EOF, want 0", len(got))
	}
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())
	if _, err := s.Open("missing.txt", 0, false); !errors.Is(err, abi.ErrNotFound) {
		t.Fatalf("Open missing error = %v, want ErrNotFound", err)
	}
}

func TestOpenExclusiveOnExisting(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())
	if _, err := s.Open("f", abi.OFlagCreat, false); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_, err := s.Open("f", abi.OFlagCreat|abi.OFlagExcl, false)
	if !errors.Is(err, abi.ErrExists) {
		t.Fatalf("exclusive Open error = %v, want ErrExists", err)
	}
}

func TestDiskCeilingFailsWholeWrite(t *testing.T) {
	profile := DefaultProfile()
	profile.MaxDiskBytes = 4000 // below the 4096 the guest will attempt
	s := newTestSandbox(t, profile)

	fd, err := s.Open("big.dat", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	handle, _ := s.Table().Get(fd)
	file := handle.(*FileHandle)

	chunk := make([]byte, 128)
	var written int
	var failedAt int
	for i := 0; i < 32; i++ {
		n, err := s.WriteFile(file, chunk)
		if err != nil {
			if !errors.Is(err, abi.ErrDiskLimit) {
				t.Fatalf("write %d error = %v, want ErrDiskLimit", i, err)
			}
			failedAt = i
			break
		}
		written += int(n)
	}
	if failedAt == 0 {
		t.Fatal("ceiling never hit")
	}

	// 31 chunks of 128 bytes fit under 4000; the 32nd would cross.
	if written != 31*128 {
		t.Errorf("written = %d, want %d", written, 31*128)
	}
	info, err := os.Stat(filepath.Join(s.Root(), "big.dat"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(written) {
		t.Errorf("file size = %d, want exactly the %d bytes written before the ceiling", info.Size(), written)
	}
}

func TestUnlinkCreditsDiskBudget(t *testing.T) {
	profile := DefaultProfile()
	profile.MaxDiskBytes = 100
	s := newTestSandbox(t, profile)

	fd, _ := s.Open("a", abi.OFlagCreat, false)
	handle, _ := s.Table().Get(fd)
	file := handle.(*FileHandle)
	if _, err := s.WriteFile(file, make([]byte, 80)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.WriteFile(file, make([]byte, 40)); !errors.Is(err, abi.ErrDiskLimit) {
		t.Fatalf("over-budget write error = %v, want ErrDiskLimit", err)
	}

	if err := s.Table().Release(fd); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Unlink("a"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if s.DiskUsage() != 0 {
		t.Errorf("DiskUsage after unlink = %d, want 0", s.DiskUsage())
	}

	fd, err := s.Open("b", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open after unlink: %v", err)
	}
	handle, _ = s.Table().Get(fd)
	if _, err := s.WriteFile(handle.(*FileHandle), make([]byte, 80)); err != nil {
		t.Fatalf("write after credit: %v", err)
	}
}

func TestEntryCeiling(t *testing.T) {
	profile := DefaultProfile()
	profile.MaxEntries = 2
	s := newTestSandbox(t, profile)

	if err := s.Mkdir("d1"); err != nil {
		t.Fatalf("Mkdir d1: %v", err)
	}
	if err := s.Mkdir("d2"); err != nil {
		t.Fatalf("Mkdir d2: %v", err)
	}
	if err := s.Mkdir("d3"); !errors.Is(err, abi.ErrEntryLimit) {
		t.Fatalf("Mkdir d3 error = %v, want ErrEntryLimit", err)
	}

	if err := s.Rmdir("d1"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if err := s.Mkdir("d3"); err != nil {
		t.Fatalf("Mkdir after rmdir: %v", err)
	}
}

func TestDescriptorRecycling(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())

	first, err := s.Open("a", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	second, err := s.Open("b", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	if first != 3 || second != 4 {
		t.Fatalf("fds = %d,%d, want 3,4 (after stdio)", first, second)
	}

	if err := s.Table().Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	third, err := s.Open("c", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open c: %v", err)
	}
	if third != first {
		t.Errorf("recycled fd = %d, want %d", third, first)
	}
}

func TestTooManyOpenFiles(t *testing.T) {
	profile := DefaultProfile()
	profile.MaxOpenFiles = 4 // stdio plus one
	s := newTestSandbox(t, profile)

	if _, err := s.Open("a", abi.OFlagCreat, false); err != nil {
		t.Fatalf("Open a: %v", err)
	}
	_, err := s.Open("b", abi.OFlagCreat, false)
	if !errors.Is(err, abi.ErrTooManyOpenFiles) {
		t.Fatalf("Open b error = %v, want ErrTooManyOpenFiles", err)
	}
}

func TestFullTableOpenLeavesFileIntact(t *testing.T) {
	profile := DefaultProfile()
	profile.MaxOpenFiles = 4 // stdio plus one
	s := newTestSandbox(t, profile)

	fd, err := s.Open("data.txt", abi.OFlagCreat, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	handle, err := s.Table().Get(fd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	file := handle.(*FileHandle)
	if _, err := s.WriteFile(file, []byte("precious")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	usage := s.DiskUsage()

	// A truncating open against a full table must fail without
	// touching the file.
	_, err = s.Open("data.txt", abi.OFlagTrunc, false)
	if !errors.Is(err, abi.ErrTooManyOpenFiles) {
		t.Fatalf("Open error = %v, want ErrTooManyOpenFiles", err)
	}
	if _, err := s.Seek(file, 0, abi.WhenceSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := s.ReadFile(file, 32)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "precious" {
		t.Errorf("contents after failed open = %q, want %q", got, "precious")
	}
	if s.DiskUsage() != usage {
		t.Errorf("disk usage after failed open = %d, want %d", s.DiskUsage(), usage)
	}
}

func TestReaddirPagesSorted(t *testing.T) {
	s := newTestSandbox(t, DefaultProfile())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := s.Open(name, abi.OFlagCreat, false); err != nil {
			t.Fatalf("Open %s: %v", name, err)
		}
	}
	if err := s.Mkdir("sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	fd, err := s.Open("/", 0, false)
	if err != nil {
		t.Fatalf("Open dir: %v", err)
	}
	handle, _ := s.Table().Get(fd)
	dir, ok := handle.(*DirHandle)
	if !ok {
		t.Fatalf("handle kind = %v, want directory", handle.HandleKind())
	}

	page, next := s.Readdir(dir, 0, 2)
	if len(page) != 2 || page[0].Name != "alpha" || page[1].Name != "mid" {
		t.Fatalf("first page = %+v, want alpha,mid", page)
	}
	page, next = s.Readdir(dir, next, 16)
	if len(page) != 2 || page[0].Name != "sub" || page[1].Name != "zeta" {
		t.Fatalf("second page = %+v, want sub,zeta", page)
	}
	if !page[0].Dir {
		t.Error("sub not reported as directory")
	}
	if page, _ = s.Readdir(dir, next, 16); len(page) != 0 {
		t.Errorf("third page = %+v, want empty", page)
	}

	// Paging is driven entirely by the cookie: replaying an earlier
	// cookie replays the same page regardless of reads in between.
	page, _ = s.Readdir(dir, 0, 2)
	if len(page) != 2 || page[0].Name != "alpha" || page[1].Name != "mid" {
		t.Fatalf("replayed page = %+v, want alpha,mid", page)
	}
}

func TestStateDigestMatchesAcrossInstances(t *testing.T) {
	run := func(t *testing.T) Digest {
		s := newTestSandbox(t, DefaultProfile())
		fd, err := s.Open("data/file.txt", abi.OFlagCreat, false)
		if err == nil {
			t.Fatal("expected create under missing directory to fail")
		}
		if err := s.Mkdir("data"); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}
		fd, err = s.Open("data/file.txt", abi.OFlagCreat, false)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		handle, _ := s.Table().Get(fd)
		if _, err := s.WriteFile(handle.(*FileHandle), []byte("replicated")); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		digest, err := s.StateDigest()
		if err != nil {
			t.Fatalf("StateDigest: %v", err)
		}
		return digest
	}

	if run(t) != run(t) {
		t.Error("identical operation sequences produced different digests")
	}
}

func TestScanUsageOnReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "1")
	s, err := New(1, root, DefaultProfile(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fd, _ := s.Open("keep.dat", abi.OFlagCreat, false)
	handle, _ := s.Table().Get(fd)
	if _, err := s.WriteFile(handle.(*FileHandle), make([]byte, 512)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s.Table().CloseAll()

	reopened, err := New(1, root, DefaultProfile(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.DiskUsage() != 512 {
		t.Errorf("DiskUsage after reopen = %d, want 512", reopened.DiskUsage())
	}
	if reopened.EntryCount() != 1 {
		t.Errorf("EntryCount after reopen = %d, want 1", reopened.EntryCount())
	}
}
