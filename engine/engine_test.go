// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zeebo/blake3"
)

// emptyModule is the smallest valid wasm binary: magic plus version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeModule(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, emptyModule, 0o644); err != nil {
		t.Fatalf("writing module: %v", err)
	}
	return path
}

func TestParseRef(t *testing.T) {
	name, pin, err := parseRef("guest.wasm")
	if err != nil {
		t.Fatalf("bare ref: %v", err)
	}
	if name != "guest.wasm" || pin != "" {
		t.Fatalf("bare ref parsed as %q/%q", name, pin)
	}

	digest := strings.Repeat("ab", 32)
	name, pin, err = parseRef("guest.wasm#" + digest)
	if err != nil {
		t.Fatalf("pinned ref: %v", err)
	}
	if name != "guest.wasm" || pin != digest {
		t.Fatalf("pinned ref parsed as %q/%q", name, pin)
	}

	if _, _, err := parseRef("guest.wasm#short"); err == nil {
		t.Fatalf("truncated pin accepted")
	}
	if _, _, err := parseRef("../guest.wasm"); err == nil {
		t.Fatalf("path traversal in module reference accepted")
	}
	if _, _, err := parseRef(""); err == nil {
		t.Fatalf("empty reference accepted")
	}
}

func TestLoadVerifiesPin(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "guest.wasm")
	e := New(dir, nil)

	sum := blake3.Sum256(emptyModule)
	if _, err := e.NewRunner("guest.wasm#" + hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("correctly pinned module rejected: %v", err)
	}

	wrong := strings.Repeat("00", 32)
	if _, err := e.NewRunner("guest.wasm#" + wrong); err == nil {
		t.Fatalf("mismatched pin accepted")
	}
}

func TestLoadCachesByReference(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "guest.wasm")
	e := New(dir, nil)

	if _, err := e.NewRunner("guest.wasm"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	// A cached reference never re-reads the file.
	if err := os.Remove(path); err != nil {
		t.Fatalf("removing module file: %v", err)
	}
	if _, err := e.NewRunner("guest.wasm"); err != nil {
		t.Fatalf("cached load: %v", err)
	}
}

func TestLoadMissingModule(t *testing.T) {
	e := New(t.TempDir(), nil)
	if _, err := e.NewRunner("absent.wasm"); err == nil {
		t.Fatalf("missing module accepted")
	}
}
