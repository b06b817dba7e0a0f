// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile declares the resource ceilings for one guest process's
// sandbox. Profiles are YAML-driven so deployments can tune limits
// per workload without rebuilding; every replica must load the same
// profile for the same process, since ceilings change guest-visible
// failure points.
type Profile struct {
	// MaxOpenFiles bounds the descriptor table, stdio included.
	// Allocation beyond it fails with abi.ErrTooManyOpenFiles.
	MaxOpenFiles int `yaml:"max_open_files"`

	// MaxDiskBytes bounds the total bytes the process may have
	// written and not yet unlinked. A write that would cross the
	// ceiling writes nothing and fails with abi.ErrDiskLimit.
	MaxDiskBytes uint64 `yaml:"max_disk_bytes"`

	// MaxEntries bounds the number of files and directories the
	// process may have created and not yet removed. Creation beyond
	// it fails with abi.ErrEntryLimit.
	MaxEntries int `yaml:"max_entries"`

	// MaxDirEntries bounds the entries a single directory may hold.
	MaxDirEntries int `yaml:"max_dir_entries"`
}

// DefaultProfile returns the ceilings applied when a process has no
// explicit profile.
func DefaultProfile() Profile {
	return Profile{
		MaxOpenFiles:  64,
		MaxDiskBytes:  64 << 20,
		MaxEntries:    4096,
		MaxDirEntries: 1024,
	}
}

// ParseProfile parses a YAML profile. Zero-valued fields inherit the
// default ceilings, so a profile may override only what it cares
// about.
func ParseProfile(data []byte) (Profile, error) {
	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parsing sandbox profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// LoadProfile reads and parses a YAML profile file.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading sandbox profile: %w", err)
	}
	return ParseProfile(data)
}

// Validate rejects ceilings the runtime cannot honor. MaxOpenFiles
// below 3 would leave no room for the preopened stdio descriptors.
func (p Profile) Validate() error {
	if p.MaxOpenFiles < 3 {
		return fmt.Errorf("profile: max_open_files %d below stdio minimum of 3", p.MaxOpenFiles)
	}
	if p.MaxDirEntries <= 0 {
		return fmt.Errorf("profile: max_dir_entries must be positive, got %d", p.MaxDirEntries)
	}
	if p.MaxEntries <= 0 {
		return fmt.Errorf("profile: max_entries must be positive, got %d", p.MaxEntries)
	}
	return nil
}
