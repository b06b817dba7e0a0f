// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs guest WASM modules against the virtual syscall
// surface. The scheduler sees only a Runner; everything
// wasmer-specific stays here.
package engine

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wasmerio/wasmer-go/wasmer"
	"github.com/zeebo/blake3"

	"github.com/lockstep-foundation/lockstep/scheduler"
)

// Engine compiles guest modules and builds runners for them. One
// engine serves all processes of a replica; compiled modules are
// cached by reference.
type Engine struct {
	moduleDir string
	logger    *slog.Logger

	store   *wasmer.Store
	modules map[string]*wasmer.Module
}

// New creates an engine loading modules from moduleDir.
func New(moduleDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		moduleDir: moduleDir,
		logger:    logger,
		store:     wasmer.NewStore(wasmer.NewEngine()),
		modules:   make(map[string]*wasmer.Module),
	}
}

// NewRunner compiles (or fetches from cache) the module named by ref
// and returns a runner for one process. The signature matches the
// scheduler's runner factory.
func (e *Engine) NewRunner(ref string) (scheduler.Runner, error) {
	module, err := e.load(ref)
	if err != nil {
		return nil, err
	}
	return &wasmRunner{store: e.store, module: module, logger: e.logger.With("module", ref)}, nil
}

// load resolves a module reference to a compiled module. A reference
// is a filename under the module directory, optionally pinned to
// content with a fragment: "guest.wasm#<blake3-hex>". Every replica
// must execute identical bytes; a pinned reference makes a mismatched
// module file a load error instead of a silent divergence.
func (e *Engine) load(ref string) (*wasmer.Module, error) {
	if module, ok := e.modules[ref]; ok {
		return module, nil
	}

	name, pin, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(e.moduleDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module %q: %w", name, err)
	}
	if pin != "" {
		sum := blake3.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != pin {
			return nil, fmt.Errorf("module %q content digest %s does not match pin %s", name, got, pin)
		}
	}

	module, err := wasmer.NewModule(e.store, data)
	if err != nil {
		return nil, fmt.Errorf("compiling module %q: %w", name, err)
	}
	e.modules[ref] = module
	e.logger.Info("module compiled", "module", name, "bytes", len(data), "pinned", pin != "")
	return module, nil
}

// parseRef splits a module reference into its filename and optional
// content pin. The filename must be a bare name, not a path.
func parseRef(ref string) (name, pin string, err error) {
	name = ref
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		name, pin = ref[:i], ref[i+1:]
		if len(pin) != 64 {
			return "", "", fmt.Errorf("module pin in %q must be a 64-hex-digit blake3 digest", ref)
		}
		if _, err := hex.DecodeString(pin); err != nil {
			return "", "", fmt.Errorf("module pin in %q is not hex: %w", ref, err)
		}
	}
	if name == "" || name != filepath.Base(name) {
		return "", "", fmt.Errorf("module reference %q must name a file, not a path", ref)
	}
	return name, pin, nil
}
