// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package controller implements the Lifecycle Controller (spec.md §4.4):
// the state machine that owns the Event Bus and Timer, drives the user's
// periodic execute() routine, handles signals, and decides between
// fatal-exit and auto-restart.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/daemonkit/internal/config"
	"github.com/tombee/daemonkit/pkg/daemon/eventbus"
	"github.com/tombee/daemonkit/pkg/daemon/lock"
	"github.com/tombee/daemonkit/pkg/daemon/timer"
	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
)

// State is the controller's lifecycle state (spec.md §4.4).
type State string

const (
	StateNew          State = "NEW"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateRestarting   State = "RESTARTING"
	StateExited       State = "EXITED"
)

// statsTrimIterations approximates "roughly every 50 iterations": Init
// multiplies it by the configured LoopInterval to get the stats-trim
// throttle, using a 1-second interval when LoopInterval is 0.
const statsTrimIterations = 50

// EnvironmentCheck is a startup capability probe (spec.md §4.7); a
// non-nil error is always fatal before run() begins.
type EnvironmentCheck func() error

// Setup is the user subclass hook run once during init, after ON_INIT.
type Setup func(c *Controller) error

// Execute is the user work routine invoked once per iteration.
type Execute func(c *Controller) error

// Options configures a Controller.
type Options struct {
	LoopInterval        float64
	IdleProbability     float64
	AutoRestartInterval time.Duration
	Detach              bool
	RestartArgs         []string // argv[0] + flags to preserve across restart()
	LockProvider        lock.Provider

	// Bus, when set, is used as the controller's event bus instead of a
	// fresh one, so other components (e.g. a Task Forker) can share the
	// same ON_FORK/ON_ERROR dispatch surface as ON_INIT/ON_IDLE/etc.
	Bus *eventbus.Bus
	EnvironmentChecks   []EnvironmentCheck
	Setup               Setup
	Execute             Execute
	Logger              *slog.Logger

	// Tracer, when set, wraps every iteration in a span.
	Tracer trace.Tracer

	// WorkerSetups/WorkerTeardowns run the setup()/teardown() hooks of any
	// installed Worker Mediators (spec.md §4.4's composition note), in
	// order, during Init/Teardown.
	WorkerSetups    []func() error
	WorkerTeardowns []func() error

	// StatsSnapshotPath, when non-empty, is overwritten with a JSON
	// statistics snapshot every time SIGUSR1 triggers dumpStats, giving
	// `daemonkit stats` a file to read back instead of parsing the log.
	StatsSnapshotPath string
}

// Controller is the daemon's lifecycle engine.
type Controller struct {
	Bus   *eventbus.Bus
	Timer *timer.Engine

	mu       sync.Mutex
	state    State
	shutdown bool
	isParent bool
	startedAt time.Time

	opts   Options
	logger *slog.Logger

	sigCh chan os.Signal
}

// New constructs a Controller in state NEW.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Controller{
		Bus:      bus,
		Timer:    timer.New(time.Duration(opts.LoopInterval*float64(time.Second)), opts.IdleProbability, 0),
		state:    StateNew,
		isParent: true,
		// Run resets this; setting it here keeps FatalError's uptime
		// check meaningful for errors raised during Init.
		startedAt: time.Now(),
		opts:     opts,
		logger:   logger,
	}
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Init runs spec.md §4.4's init(): installs signal handlers, dispatches
// ON_INIT (where the lock provider enrolls its duplicate-instance check),
// enrolls the stats-trim idle handler, and calls the user Setup hook.
func (c *Controller) Init() error {
	c.mu.Lock()
	c.state = StateInitializing
	c.mu.Unlock()

	var envErrs []error
	for _, check := range c.opts.EnvironmentChecks {
		if err := check(); err != nil {
			envErrs = append(envErrs, err)
		}
	}
	if len(envErrs) > 0 {
		return fmt.Errorf("controller: environment check failed: %w", errors.Join(envErrs...))
	}

	c.installSignalHandlers()

	if err := timer.ApplyPriorityHint(c.loopIntervalDuration()); err != nil {
		c.logger.Debug("applying nice priority hint", "error", err)
	}

	if c.opts.LockProvider != nil {
		c.Bus.On(eventbus.OnInit, func(args ...any) {
			if err := c.opts.LockProvider.CheckEnvironment(); err != nil {
				c.FatalError(err)
				return
			}
			if err := c.opts.LockProvider.Setup(); err != nil {
				c.FatalError(err)
				return
			}
			lease, err := c.opts.LockProvider.Check()
			if err != nil {
				c.FatalError(err)
				return
			}
			if lease != nil {
				c.FatalError(fmt.Errorf("another instance is already running (pid %d)", lease.OwnerPID))
				return
			}
			if err := c.opts.LockProvider.Set(); err != nil {
				c.FatalError(err)
			}
		}, 0)
	}

	c.Bus.Dispatch(eventbus.OnInit)

	throttle := time.Duration(statsTrimIterations) * c.loopIntervalDuration()
	if throttle <= 0 {
		throttle = statsTrimIterations * time.Second
	}
	c.Bus.On(eventbus.OnIdle, func(args ...any) {
		c.Timer.StatsMean(100)
	}, throttle)

	if c.opts.Setup != nil {
		if err := c.opts.Setup(c); err != nil {
			return fmt.Errorf("controller: setup: %w", err)
		}
	}

	for _, setup := range c.opts.WorkerSetups {
		if err := setup(); err != nil {
			return fmt.Errorf("controller: worker setup: %w", err)
		}
	}

	c.logger.Info("controller initialized", "loop_interval", c.opts.LoopInterval)
	return nil
}

// Teardown releases the lock provider and every installed Worker
// Mediator's transport resources. Called after Run returns.
func (c *Controller) Teardown() error {
	var errs []error
	for _, teardown := range c.opts.WorkerTeardowns {
		if err := teardown(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.opts.LockProvider != nil {
		if err := c.opts.LockProvider.Teardown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) loopIntervalDuration() time.Duration {
	return time.Duration(c.opts.LoopInterval * float64(time.Second))
}

// Run executes spec.md §4.4's run(): while not shutdown and still the
// parent, runs one iteration of §4.3's contract. An uncaught error from
// Execute is treated as fatal.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateRunning
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.Timer.Start()

	for {
		if c.isShutdown() || !c.IsParent() {
			break
		}

		c.autoRestart()
		if c.isShutdown() {
			break
		}

		iterStart := time.Now()
		c.Timer.Start()

		var span trace.Span
		if c.opts.Tracer != nil {
			_, span = c.opts.Tracer.Start(ctx, "controller.iteration")
		}

		c.Bus.Dispatch(eventbus.OnPreExecute)

		if c.opts.Execute != nil {
			if err := c.runExecuteRecovering(c); err != nil {
				if span != nil {
					span.RecordError(err)
					span.End()
				}
				c.FatalError(err)
				break
			}
		}

		c.Bus.Dispatch(eventbus.OnPostExecute)

		sleepFor, overran := c.Timer.End(time.Now())
		if overran {
			c.logger.Warn("iteration overran loop interval", "duration", time.Since(iterStart))
		}
		if span != nil {
			span.SetAttributes(attribute.Bool("iteration.overran", overran))
			span.End()
		}
		idle := c.Timer.Idle(time.Now())
		if idle {
			c.Bus.Dispatch(eventbus.OnIdle, c.Timer.Idle)
		}
		timer.SleepGuarded(sleepFor)

		select {
		case <-ctx.Done():
			c.requestShutdown()
		default:
		}
	}

	c.mu.Lock()
	if c.state != StateRestarting {
		c.state = StateExited
	}
	c.mu.Unlock()
	return nil
}

// runExecuteRecovering converts a panic in the user routine into an error
// so a single bad iteration does not crash the process without going
// through FatalError's restart decision.
func (c *Controller) runExecuteRecovering(ctl *Controller) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in execute: %v", r)
		}
	}()
	return c.opts.Execute(ctl)
}

// IsParent reports whether this process is the original (not a re-exec'd
// pool/task child).
func (c *Controller) IsParent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isParent
}

// MarkChild flips IsParent to false and updates pid bookkeeping, mirroring
// spec.md §4.5's "in the child ... mark is_parent=false, update pid".
func (c *Controller) MarkChild() {
	c.mu.Lock()
	c.isParent = false
	c.mu.Unlock()
	c.Bus.Dispatch(eventbus.OnPIDChange, os.Getpid())
}

func (c *Controller) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Controller) requestShutdown() {
	c.mu.Lock()
	c.shutdown = true
	if c.state != StateRestarting {
		c.state = StateShuttingDown
	}
	c.mu.Unlock()
}

// installSignalHandlers wires SIGTERM/SIGINT to shutdown, SIGHUP to
// restart, SIGUSR1 to a stats dump, and everything else to ON_SIGNAL
// (spec.md §4.4).
func (c *Controller) installSignalHandlers() {
	c.sigCh = make(chan os.Signal, 8)
	signal.Notify(c.sigCh)

	go func() {
		for sig := range c.sigCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				c.logger.Info("received shutdown signal", "signal", sig.String())
				c.requestShutdown()
			case syscall.SIGHUP:
				c.logger.Info("received SIGHUP, restarting")
				if err := c.Restart(); err != nil {
					c.logger.Error("restart failed", "error", err)
				}
			case syscall.SIGUSR1:
				c.dumpStats()
			default:
				c.Bus.Dispatch(eventbus.OnSignal, sig)
			}
		}
	}()
}

// statsSnapshot is the JSON shape written to Options.StatsSnapshotPath,
// read back by the `daemonkit stats` CLI (SPEC_FULL.md §6).
type statsSnapshot struct {
	State        State  `json:"state"`
	PID          int    `json:"pid"`
	MeanDuration string `json:"mean_duration"`
	MeanIdle     string `json:"mean_idle"`
	Samples      int    `json:"samples"`
	DumpedAt     string `json:"dumped_at"`
}

// dumpStats logs runtime statistics, satisfying spec.md §4.4's SIGUSR1
// contract, and, if configured, overwrites a JSON snapshot file so an
// external `daemonkit stats` invocation can read it without parsing logs.
func (c *Controller) dumpStats() {
	mean := c.Timer.StatsMean(100)
	samples := len(c.Timer.Samples())

	c.logger.Info("runtime statistics",
		"state", c.State(),
		"mean_duration", mean.Duration,
		"mean_idle", mean.Idle,
		"samples", samples,
	)

	if c.opts.StatsSnapshotPath == "" {
		return
	}
	snap := statsSnapshot{
		State:        c.State(),
		PID:          os.Getpid(),
		MeanDuration: mean.Duration.String(),
		MeanIdle:     mean.Idle.String(),
		Samples:      samples,
		DumpedAt:     time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("marshaling stats snapshot", "error", err)
		return
	}
	if err := os.WriteFile(c.opts.StatsSnapshotPath, data, 0o644); err != nil {
		c.logger.Error("writing stats snapshot", "error", err, "path", c.opts.StatsSnapshotPath)
	}
}

// FatalError implements spec.md §4.4's fatal_error(msg): log, ON_ERROR,
// then in the parent either schedule a restart (daemonized, and uptime
// plus the 2s restart delay past MinRestartSeconds) or exit 1. A child never restarts; it just
// propagates.
func (c *Controller) FatalError(err error) {
	fatal := &daemonerrors.FatalError{Op: "controller.run", Cause: err}
	c.logger.Error("fatal error", "error", fatal)
	c.Bus.Dispatch(eventbus.OnError, fatal)

	if !c.IsParent() {
		return
	}

	uptime := time.Since(c.startedAt)
	if c.opts.Detach && uptime+2*time.Second > minRestartInterval() {
		time.Sleep(2 * time.Second)
		if err := c.Restart(); err != nil {
			c.logger.Error("restart after fatal error failed", "error", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(1)
}

// minRestartInterval is config.MinRestartSeconds, the fixed floor on uptime
// a daemonized process must clear before a fatal error is eligible for
// restart-recovery rather than a plain exit 1. This is distinct from
// c.opts.AutoRestartInterval, which governs autoRestart's proactive restart
// of a healthy daemon and is user-configurable to values far above this
// floor (spec.md §4.4) -- using it here would make fatal-error recovery as
// slow as a large auto-restart period instead of bounded at 10s.
func minRestartInterval() time.Duration {
	return config.MinRestartSeconds * time.Second
}

// autoRestart implements spec.md §4.4's auto_restart(): in daemon mode,
// once runtime has reached the configured interval, restart.
func (c *Controller) autoRestart() {
	if !c.opts.Detach || c.opts.AutoRestartInterval <= 0 {
		return
	}
	if time.Since(c.startedAt) < c.opts.AutoRestartInterval {
		return
	}
	if err := c.Restart(); err != nil {
		c.logger.Error("auto-restart failed", "error", err)
	}
}

// Restart implements spec.md §4.4's restart(): parent-only. Sets
// shutdown, clears callbacks, re-execs the original command line
// preserving -d/-p, and exits. It never waits for the old process to
// finish tearing down.
func (c *Controller) Restart() error {
	if !c.IsParent() {
		return errors.New("controller: restart is parent-only")
	}

	c.mu.Lock()
	c.state = StateRestarting
	c.shutdown = true
	c.mu.Unlock()

	c.Bus.Clear()

	if len(c.opts.RestartArgs) == 0 {
		return errors.New("controller: no restart args configured")
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("controller: opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	proc, err := os.StartProcess(c.opts.RestartArgs[0], c.opts.RestartArgs, &os.ProcAttr{
		Files: []*os.File{devNull, devNull, devNull},
		Env:   os.Environ(),
	})
	if err != nil {
		return fmt.Errorf("controller: re-exec: %w", err)
	}
	_ = proc.Release()

	os.Exit(0)
	return nil
}
