// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lockstep-foundation/lockstep/abi"
)

// Resolve maps a guest path to a host path inside the sandbox root.
//
// The guest path is treated as sandbox-absolute whether or not it has
// a leading slash. Upward traversal that would leave the root fails
// with abi.ErrEscape before any host path is formed — it is never
// silently clamped to the root. The surviving path is then walked
// component by component with lstat: any symlink fails resolution,
// including one in the final position, so a link whose target
// normalizes outside the sandbox can never be followed. The walk stops
// at the first non-existent component, which keeps creation paths
// (open with create, mkdir) resolvable.
func (s *Sandbox) Resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path: %w", abi.ErrInvalidArgument)
	}
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("NUL in path: %w", abi.ErrInvalidArgument)
	}

	cleaned := path.Clean(strings.TrimPrefix(raw, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q leaves sandbox root: %w", raw, abi.ErrEscape)
	}
	if cleaned == "." {
		return s.root, nil
	}

	hostPath := filepath.Join(s.root, filepath.FromSlash(cleaned))

	// Defense in depth: the lexical checks above should make this
	// unreachable, but a containment violation here must never pass.
	if hostPath != s.root && !strings.HasPrefix(hostPath, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside sandbox root: %w", raw, abi.ErrEscape)
	}

	if err := s.rejectSymlinks(hostPath); err != nil {
		return "", err
	}
	return hostPath, nil
}

// rejectSymlinks lstats each component of hostPath below the root and
// fails if any is a symbolic link. Missing components end the walk:
// nothing below a non-existent directory can exist, let alone be a
// link.
func (s *Sandbox) rejectSymlinks(hostPath string) error {
	rel, err := filepath.Rel(s.root, hostPath)
	if err != nil {
		return fmt.Errorf("relativizing %q: %w", hostPath, abi.ErrInvalidArgument)
	}
	current := s.root
	for _, component := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, component)
		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lstat %q: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink at %q: %w", current, abi.ErrEscape)
		}
	}
	return nil
}
