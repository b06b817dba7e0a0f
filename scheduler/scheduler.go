// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/lockstep-foundation/lockstep/abi"
	"github.com/lockstep-foundation/lockstep/lib/clock"
	"github.com/lockstep-foundation/lockstep/nat"
	"github.com/lockstep-foundation/lockstep/oracle"
	"github.com/lockstep-foundation/lockstep/sandbox"
	"github.com/lockstep-foundation/lockstep/syscalls"
	"github.com/lockstep-foundation/lockstep/wire"
)

// Config holds the parameters for a replica scheduler.
type Config struct {
	// Replica is this node's id, nonzero and unique across the fleet.
	Replica uint64

	// DataDir is the directory holding per-process sandbox roots.
	DataDir string

	// Profile is the sandbox resource profile applied to every
	// spawned process.
	Profile sandbox.Profile

	// Quantum is the number of system calls a process may have
	// serviced within one tick before it is set aside until the next.
	// Defaults to 128.
	Quantum int

	// Oracle orders this replica's intents. Required.
	Oracle oracle.Oracle

	// NewRunner builds the guest runner for a module reference.
	// Required before any process can be spawned.
	NewRunner func(module string) (Runner, error)

	// Clock paces the tick loop when the replica is idle. It never
	// influences replicated state. Defaults to the real clock.
	Clock clock.Clock

	// TickInterval is the idle pacing delay between ticks that moved
	// nothing. Defaults to 10ms.
	TickInterval time.Duration

	// Logger receives tick and process lifecycle messages. If nil, a
	// no-op logger is used.
	Logger *slog.Logger
}

// Scheduler is one replica's deterministic scheduler. Not safe for
// concurrent use: Spawn before Run, then leave it to the Run loop.
type Scheduler struct {
	config Config
	logger *slog.Logger
	clk    clock.Clock

	net       *nat.Table
	processes map[uint64]*process
	nextPID   uint64

	tick         uint64
	appliedSeq   uint64
	virtualNanos uint64

	// backlog holds ordered effects whose target process has not yet
	// issued the matching intent. A replica replaying history runs
	// ahead of its processes; effects wait here until the run phase
	// catches the guests up.
	backlog []wire.Effect
}

// New validates config and creates a scheduler.
func New(config Config) (*Scheduler, error) {
	if config.Replica == 0 {
		return nil, fmt.Errorf("scheduler: replica id must be nonzero")
	}
	if config.Oracle == nil {
		return nil, fmt.Errorf("scheduler: an oracle is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("scheduler: DataDir is required")
	}
	if config.Quantum <= 0 {
		config.Quantum = 128
	}
	if config.Profile == (sandbox.Profile{}) {
		config.Profile = sandbox.DefaultProfile()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 10 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		config:    config,
		logger:    logger,
		clk:       config.Clock,
		net:       nat.NewTable(),
		processes: make(map[uint64]*process),
		nextPID:   1,
	}, nil
}

// AppliedSeq returns the effect high-water mark, for the oracle
// client's handshake.
func (s *Scheduler) AppliedSeq() uint64 { return s.appliedSeq }

// VirtualNow returns the virtual clock in nanoseconds.
func (s *Scheduler) VirtualNow() uint64 { return s.virtualNanos }

// Spawn creates a guest process running module and returns its pid.
// Pids are assigned by a deterministic counter; replicas spawning the
// same module sequence assign the same pids.
func (s *Scheduler) Spawn(module string) (uint64, error) {
	if s.config.NewRunner == nil {
		return 0, fmt.Errorf("scheduler: no runner factory configured")
	}
	runner, err := s.config.NewRunner(module)
	if err != nil {
		return 0, fmt.Errorf("building runner for %q: %w", module, err)
	}

	pid := s.nextPID
	root := filepath.Join(s.config.DataDir, fmt.Sprintf("proc-%d", pid))
	sb, err := sandbox.New(pid, root, s.config.Profile, s.logger)
	if err != nil {
		return 0, fmt.Errorf("creating sandbox for process %d: %w", pid, err)
	}
	s.nextPID++

	p := &process{
		pid:    pid,
		runner: runner,
		calls:  make(chan *callRequest),
		done:   make(chan error, 1),
		state:  StateRunnable,
	}
	p.env = &syscalls.Env{
		PID:     pid,
		Sandbox: sb,
		Now:     func() uint64 { return s.virtualNanos },
	}
	s.processes[pid] = p
	p.start()

	s.logger.Info("process spawned", "pid", pid, "module", module)
	return pid, nil
}

// Run drives the tick loop until every process has exited, ctx is
// done, or a fatal inconsistency halts the replica.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.allExited() {
			s.logger.Info("all processes exited", "ticks", s.tick)
			return nil
		}
		moved, err := s.runTick(ctx)
		if err != nil {
			return err
		}
		if !moved {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clk.After(s.config.TickInterval):
			}
		}
	}
}

// Tick runs exactly one tick. Exposed for tests and for the node's
// single-step mode; Run is the production loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	_, err := s.runTick(ctx)
	return err
}

func (s *Scheduler) runTick(ctx context.Context) (bool, error) {
	intents, err := s.runPhase()
	if err != nil {
		return false, err
	}

	s.tick++
	batch := wire.Batch{
		Replica:    s.config.Replica,
		Tick:       s.tick,
		AppliedSeq: s.appliedSeq,
		SleepHint:  s.sleepHint(),
		Intents:    intents,
	}
	ordered, err := s.config.Oracle.Submit(ctx, batch)
	if err != nil {
		return false, fmt.Errorf("submitting tick %d: %w", s.tick, err)
	}
	appliedBefore := s.appliedSeq
	if err := s.applyPhase(ordered.Effects); err != nil {
		return false, err
	}

	if s.logger.Enabled(ctx, slog.LevelDebug) {
		digest, err := s.StateDigest()
		if err != nil {
			return false, fmt.Errorf("computing state digest: %w", err)
		}
		s.logger.Debug("tick complete",
			"tick", s.tick,
			"applied_seq", s.appliedSeq,
			"virtual_nanos", s.virtualNanos,
			"digest", fmt.Sprintf("%x", digest[:8]))
	}
	return len(intents) > 0 || s.appliedSeq > appliedBefore, nil
}

// runPhase services every runnable process until it blocks, yields,
// exits, or exhausts its quantum, collecting the intents produced.
func (s *Scheduler) runPhase() ([]wire.Intent, error) {
	budget := make(map[uint64]int)
	queue := s.runnablePIDs()
	var intents []wire.Intent

	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		p := s.processes[pid]
		if p.state != StateRunnable {
			continue
		}
		if _, seen := budget[pid]; !seen {
			budget[pid] = s.config.Quantum
		}
		again, err := s.service(p, budget, &intents)
		if err != nil {
			return nil, err
		}
		if again {
			queue = append(queue, pid)
		}
	}
	return intents, nil
}

// service handles one process's calls until a suspension point. A
// true requeue return means the process yielded with quantum left and
// should run again later this tick.
func (s *Scheduler) service(p *process, budget map[uint64]int, intents *[]wire.Intent) (requeue bool, err error) {
	for {
		if budget[p.pid] <= 0 {
			return false, nil
		}

		var req *callRequest
		select {
		case req = <-p.calls:
		case runErr := <-p.done:
			s.reap(p, runErr)
			return false, nil
		}
		budget[p.pid]--

		outcome, herr := syscalls.Handle(p.env, req.call)
		if herr != nil {
			switch abi.Class(herr) {
			case abi.SeverityGuest:
				req.resp <- callResponse{errno: abi.ErrnoFor(herr)}
				continue

			case abi.SeverityProcess:
				s.logger.Warn("terminating process on sandbox violation",
					"pid", p.pid, "call", req.call.Name(), "error", herr)
				p.pending = req
				s.terminate(p, abi.ErrnoFor(herr))
				return false, nil

			default:
				req.resp <- callResponse{errno: abi.ErrnoFor(herr), terminated: true}
				return false, fmt.Errorf("halting replica on %s from process %d: %w",
					req.call.Name(), p.pid, herr)
			}
		}

		switch {
		case outcome.Result != nil:
			req.resp <- callResponse{result: *outcome.Result}

		case outcome.Intent != nil:
			p.nextIntentID++
			in := *outcome.Intent
			in.ID = p.nextIntentID
			p.pending = req
			p.state = StateBlocked
			p.reason = blockIntent
			p.intentID = in.ID
			p.intentKind = in.Kind
			*intents = append(*intents, in)
			return false, nil

		case outcome.Yield:
			req.resp <- callResponse{}
			return budget[p.pid] > 0, nil

		case outcome.Exit:
			p.exitCode = outcome.Code
			req.resp <- callResponse{terminated: true}
			<-p.done
			s.reap(p, nil)
			return false, nil

		default:
			return false, fmt.Errorf("empty outcome for %s from process %d: %w",
				req.call.Name(), p.pid, abi.ErrInternal)
		}
	}
}

// terminate kills a process deterministically: the pending call is
// answered with its errno and the terminated flag, the runner is
// waited out, and the process is reaped.
func (s *Scheduler) terminate(p *process, errno abi.Errno) {
	p.respond(callResponse{errno: errno, terminated: true})
	<-p.done
	s.reap(p, nil)
}

// reap retires an exited process: its sockets are closed in the
// network table (waking peers with EOF), its sandbox is destroyed,
// and its slot is kept so later effects for the pid are recognized
// and dropped.
func (s *Scheduler) reap(p *process, runErr error) {
	var sockets []*nat.Socket
	p.env.Sandbox.Table().Walk(func(_ abi.FD, handle sandbox.Handle) {
		if sock, ok := handle.(*nat.Socket); ok {
			sockets = append(sockets, sock)
		}
	})
	for _, sock := range sockets {
		if sock.State == nat.StateConnected {
			if peer, ok := s.net.PeerOf(sock); ok {
				peer.EOF = true
				s.wakeReceiverEOF(peer)
			}
		}
		for _, client := range s.net.Close(sock) {
			s.wakeReceiverEOF(client)
		}
	}
	if err := p.env.Sandbox.Destroy(); err != nil {
		s.logger.Warn("destroying sandbox", "pid", p.pid, "error", err)
	}
	p.state = StateExited
	p.reason = blockNone

	if runErr != nil {
		s.logger.Warn("process runner failed", "pid", p.pid, "error", runErr)
	} else {
		s.logger.Info("process exited", "pid", p.pid, "code", p.exitCode)
	}
}

// sleepHint returns the earliest virtual-clock deadline among
// sleeping processes, or zero when any process could make progress
// without a clock advance.
func (s *Scheduler) sleepHint() uint64 {
	var hint uint64
	for _, p := range s.processes {
		switch {
		case p.state == StateExited:
		case p.state == StateRunnable:
			return 0
		case p.reason == blockIntent:
			// Its effect arrives with this tick's response.
			return 0
		case p.reason == blockTimer:
			if hint == 0 || p.deadline < hint {
				hint = p.deadline
			}
		}
	}
	return hint
}

func (s *Scheduler) runnablePIDs() []uint64 {
	pids := make([]uint64, 0, len(s.processes))
	for pid, p := range s.processes {
		if p.state == StateRunnable {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (s *Scheduler) allExited() bool {
	for _, p := range s.processes {
		if p.state != StateExited {
			return false
		}
	}
	return true
}
