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

// Package task implements the Task Forker (spec.md §4.5): fork a
// one-shot child to run a user routine to completion, notify the parent
// on fork and on exit, and never return a value (use pkg/daemon/worker
// for that).
package task

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/tombee/daemonkit/pkg/daemon/eventbus"
)

// Routine is a task body. It runs in the child process and its error, if
// any, becomes the child's exit code.
type Routine func() error

// NewChildCmd builds the *exec.Cmd that re-execs the current binary into
// task-child mode for the named routine. Implementations typically set an
// environment variable the child's main() checks to dispatch into
// RunChild, the same self-exec pattern pkg/daemon/worker.NewChildCmd uses
// for pool children.
type NewChildCmd func(name string) (*exec.Cmd, error)

// Forker forks one-shot children for routines registered by name, reaps
// them, and dispatches ON_FORK/ON_ERROR on the controller's bus.
type Forker struct {
	bus    *eventbus.Bus
	newCmd NewChildCmd

	mu        sync.Mutex
	routines  map[string]Routine
	children  map[int]string // pid -> name, for in-flight children
}

// New constructs a Forker. bus receives ON_FORK on every fork (args:
// name, pid) and ON_ERROR on every non-zero exit (args: name, pid, err).
func New(bus *eventbus.Bus, newCmd NewChildCmd) *Forker {
	return &Forker{
		bus:      bus,
		newCmd:   newCmd,
		routines: make(map[string]Routine),
		children: make(map[int]string),
	}
}

// Register names a routine so a re-exec'd child can look it up by name
// (a forked Go process cannot otherwise share a parent's closures).
func (f *Forker) Register(name string, r Routine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routines[name] = r
}

// Task forks a child to run the routine registered as name. The parent
// records the pid and supervises it in the background; it does not block
// for the child's exit.
func (f *Forker) Task(name string) (int, error) {
	f.mu.Lock()
	if _, ok := f.routines[name]; !ok {
		f.mu.Unlock()
		return 0, fmt.Errorf("task: no routine registered as %q", name)
	}
	f.mu.Unlock()

	cmd, err := f.newCmd(name)
	if err != nil {
		return 0, fmt.Errorf("task: building child command for %q: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("task: starting child for %q: %w", name, err)
	}

	pid := cmd.Process.Pid
	f.mu.Lock()
	f.children[pid] = name
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Dispatch(eventbus.OnFork, name, pid)
	}

	go f.supervise(name, pid, cmd)
	return pid, nil
}

// supervise waits for the child to exit (Go's SIGCHLD-equivalent: Wait
// blocks without a signal handler) and surfaces a non-zero exit through
// ON_ERROR.
func (f *Forker) supervise(name string, pid int, cmd *exec.Cmd) {
	err := cmd.Wait()

	f.mu.Lock()
	delete(f.children, pid)
	f.mu.Unlock()

	if err != nil && f.bus != nil {
		f.bus.Dispatch(eventbus.OnError, name, pid, err)
	}
}

// RunChild runs the registered routine name in the current process (the
// re-exec'd child) and returns its error. The caller's main() is expected
// to os.Exit(1) on a non-nil error and os.Exit(0) otherwise; RunChild
// itself never calls os.Exit so it stays testable.
func RunChild(bus *eventbus.Bus, routines map[string]Routine, name string) error {
	r, ok := routines[name]
	if !ok {
		return fmt.Errorf("task: no routine registered as %q", name)
	}

	if bus != nil {
		bus.Dispatch(eventbus.OnFork, name, os.Getpid())
	}

	return r()
}

// Routines returns a snapshot of registered routines, for wiring into
// RunChild from main() after Register calls have run.
func (f *Forker) Routines() map[string]Routine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Routine, len(f.routines))
	for k, v := range f.routines {
		out[k] = v
	}
	return out
}

// InFlight reports how many children are currently running.
func (f *Forker) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}
