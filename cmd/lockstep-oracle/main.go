// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

// lockstep-oracle is the single-node ordering service for a lockstep
// fleet. Replicas submit intent batches over TCP; the oracle assigns
// each distinct intent a global sequence number and returns the
// ordered effect history. With a history file configured, the
// sequence survives restarts and late-joining replicas replay it from
// zero.
//
// This is a stand-in for a real consensus service: it provides the
// total order the replicas need, not fault tolerance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lockstep-foundation/lockstep/lib/process"
	"github.com/lockstep-foundation/lockstep/oracle"
	"github.com/lockstep-foundation/lockstep/oracle/history"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		listenAddr  string
		historyPath string
		debug       bool
	)
	flags := pflag.NewFlagSet("lockstep-oracle", pflag.ContinueOnError)
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:7400", "address to listen on")
	flags.StringVar(&historyPath, "history", "", "SQLite effect history file (empty: order in memory only)")
	flags.BoolVar(&debug, "debug", false, "log at debug level")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	var store oracle.HistoryStore
	if historyPath != "" {
		fileStore, err := history.Open(historyPath, logger)
		if err != nil {
			return err
		}
		defer fileStore.Close()
		store = fileStore
	}

	sequencer, err := oracle.NewSequencer(store, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	logger.Info("oracle listening", "address", listener.Addr().String(), "durable", historyPath != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := oracle.NewServer(sequencer, logger)
	if err := server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
