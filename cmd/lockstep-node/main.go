// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// lockstep-node is one replica of the deterministic execution fleet.
// It loads a JSONC config, locks its data directory, connects to the
// ordering oracle, spawns the configured guest modules, and drives
// the scheduler tick loop until every process exits or the node is
// signalled.
//
// Replicas keep no durable state of their own: on startup the node
// wipes its per-process sandbox roots and replays the oracle's effect
// history from sequence zero, which reconstructs the exact replicated
// state the fleet has reached.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"golang.org/x/sys/unix"

	"github.com/lockstep-foundation/lockstep/engine"
	"github.com/lockstep-foundation/lockstep/lib/process"
	"github.com/lockstep-foundation/lockstep/oracle"
	"github.com/lockstep-foundation/lockstep/sandbox"
	"github.com/lockstep-foundation/lockstep/scheduler"
)

// config is the node's JSONC configuration file. Command-line flags
// override individual fields.
type config struct {
	// Replica is this node's fleet-unique id, nonzero.
	Replica uint64 `json:"replica"`

	// Oracle is the ordering service's host:port.
	Oracle string `json:"oracle"`

	// DataDir holds the node lock file and per-process sandbox roots.
	DataDir string `json:"data_dir"`

	// ModuleDir holds the guest wasm modules.
	ModuleDir string `json:"module_dir"`

	// Modules are the guest module references spawned at startup, in
	// spawn order. Every replica must list the same modules in the
	// same order. A reference may pin content: "guest.wasm#<blake3>".
	Modules []string `json:"modules"`

	// Profile is an optional path to a YAML sandbox profile applied
	// to every process. Empty means the default ceilings.
	Profile string `json:"profile"`

	// Quantum caps the system calls serviced per process per tick.
	Quantum int `json:"quantum"`

	// TickIntervalMS is the idle pacing delay between empty ticks.
	TickIntervalMS int `json:"tick_interval_ms"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `json:"log_level"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath string
		replica    uint64
		oracleAddr string
		dataDir    string
		logLevel   string
	)
	flags := pflag.NewFlagSet("lockstep-node", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "lockstep.jsonc", "path to the node config file")
	flags.Uint64Var(&replica, "replica", 0, "override the config's replica id")
	flags.StringVar(&oracleAddr, "oracle", "", "override the config's oracle address")
	flags.StringVar(&dataDir, "data-dir", "", "override the config's data directory")
	flags.StringVar(&logLevel, "log-level", "", "override the config's log level")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if replica != 0 {
		cfg.Replica = replica
	}
	if oracleAddr != "" {
		cfg.Oracle = oracleAddr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.Replica == 0 {
		return fmt.Errorf("a nonzero replica id is required (config or --replica)")
	}
	if cfg.Oracle == "" {
		return fmt.Errorf("an oracle address is required (config or --oracle)")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("a data directory is required (config or --data-dir)")
	}
	if len(cfg.Modules) == 0 {
		return fmt.Errorf("config lists no modules to spawn")
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("replica", cfg.Replica)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	unlock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer unlock()

	// Sandbox roots are rebuilt by replaying the effect history; a
	// stale root from a previous run would diverge from it.
	if err := wipeSandboxRoots(cfg.DataDir); err != nil {
		return err
	}

	profile := sandbox.DefaultProfile()
	if cfg.Profile != "" {
		profile, err = sandbox.LoadProfile(cfg.Profile)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	client, err := oracle.Dial(ctx, oracle.ClientConfig{
		Address: cfg.Oracle,
		Replica: cfg.Replica,
		AppliedSeq: func() uint64 {
			if sched == nil {
				return 0
			}
			return sched.AppliedSeq()
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	eng := engine.New(cfg.ModuleDir, logger)
	sched, err = scheduler.New(scheduler.Config{
		Replica:      cfg.Replica,
		DataDir:      cfg.DataDir,
		Profile:      profile,
		Quantum:      cfg.Quantum,
		Oracle:       client,
		NewRunner:    eng.NewRunner,
		TickInterval: time.Duration(cfg.TickIntervalMS) * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	for _, module := range cfg.Modules {
		pid, err := sched.Spawn(module)
		if err != nil {
			return err
		}
		logger.Info("spawned", "pid", pid, "module", module)
	}

	logger.Info("node running", "oracle", cfg.Oracle, "modules", len(cfg.Modules))
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// lockDataDir takes an exclusive flock on the data directory so two
// nodes cannot share sandbox roots.
func lockDataDir(dir string) (func(), error) {
	path := filepath.Join(dir, "node.lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("data directory %s is locked by another node: %w", dir, err)
	}
	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}

// wipeSandboxRoots removes the per-process subtrees from a previous
// run.
func wipeSandboxRoots(dir string) error {
	roots, err := filepath.Glob(filepath.Join(dir, "proc-*"))
	if err != nil {
		return fmt.Errorf("listing sandbox roots: %w", err)
	}
	for _, root := range roots {
		if err := os.RemoveAll(root); err != nil {
			return fmt.Errorf("removing stale sandbox root %s: %w", root, err)
		}
	}
	return nil
}
