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

package worker

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/daemonkit/pkg/daemon/via"
)

// NewChildCmd builds the *exec.Cmd for one pool child. Implementations
// typically re-exec the current binary with an environment variable or
// flag that makes main() branch into worker.RunChild instead of the
// normal controller loop -- the same self-exec pattern
// internal/lifecycle.Spawner uses for daemonization, applied to pool
// children instead of the whole process.
type NewChildCmd func() (*exec.Cmd, error)

// poolMember tracks one forked child's process and transport, for
// supervision (spec.md §4.6.4).
type poolMember struct {
	pid         int
	cmd         *exec.Cmd
	queue       via.Queue
	spawnedAt   time.Time
	currentCall int64 // 0 if idle
	exited      chan struct{}

	// correlationID identifies this member across respawns, since pid is
	// reused by the OS: log lines and spans tag the member by this value
	// rather than pid alone so a supervision history survives a respawn.
	correlationID string
}

// pool manages a fixed-size set of forked worker children, respawning
// any that exit unless shutdown has been requested.
type pool struct {
	mu       sync.Mutex
	newCmd   NewChildCmd
	size     int
	members  map[int]*poolMember // by pid
	shutdown bool

	// onMemberExit is invoked (outside the pool's lock) whenever a member
	// exits, with the pid and the call it was mid-flight on (0 if idle),
	// so the Mediator can mark that Call UNCAUGHT (spec.md §4.6.4).
	onMemberExit func(pid int, currentCall int64)
}

func newPool(size int, newCmd NewChildCmd, onMemberExit func(pid int, currentCall int64)) *pool {
	return &pool{
		size:         size,
		newCmd:       newCmd,
		members:      make(map[int]*poolMember),
		onMemberExit: onMemberExit,
	}
}

// start forks size children.
func (p *pool) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		if err := p.spawnLocked(); err != nil {
			return fmt.Errorf("worker: spawning pool child %d: %w", i, err)
		}
	}
	return nil
}

// spawnLocked forks one child and wires a PipeQueue over its stdin/stdout.
// Callers must hold p.mu.
func (p *pool) spawnLocked() error {
	cmd, err := p.newCmd()
	if err != nil {
		return err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	queue := via.NewPipeQueue(stdin, stdout, stdin)
	member := &poolMember{
		pid:           cmd.Process.Pid,
		cmd:           cmd,
		queue:         queue,
		spawnedAt:     time.Now(),
		exited:        make(chan struct{}),
		correlationID: uuid.NewString(),
	}
	p.members[member.pid] = member

	go p.supervise(member)
	return nil
}

// supervise waits for member's process to exit (the SIGCHLD-equivalent in
// Go: cmd.Wait blocks until the child exits, without requiring a signal
// handler), then respawns it unless shutdown is set.
func (p *pool) supervise(member *poolMember) {
	member.cmd.Wait()
	close(member.exited)
	member.queue.Release()

	p.mu.Lock()
	delete(p.members, member.pid)
	shutdown := p.shutdown
	p.mu.Unlock()

	if p.onMemberExit != nil {
		p.onMemberExit(member.pid, member.currentCall)
	}

	if !shutdown {
		p.mu.Lock()
		respawnErr := p.spawnLocked()
		p.mu.Unlock()
		_ = respawnErr // best-effort; the next call() attempt will retry via the transport
	}
}

// put delivers msg to an arbitrary idle member's queue, marking it the
// current call holder. Returns false if the pool has no members.
func (p *pool) put(callID int64, msg via.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range p.members {
		if m.currentCall == 0 {
			m.currentCall = callID
			m.queue.Put(msg)
			return true
		}
	}
	// No idle member; still deliver to the first member found so the
	// transport's own FIFO absorbs the backlog, matching spec.md's
	// "exactly one child consumes each" guarantee at the transport level
	// rather than requiring the pool to track per-member backlogs.
	for _, m := range p.members {
		m.queue.Put(msg)
		return true
	}
	return false
}

// MemberSnapshot is a point-in-time view of one pool member, for the
// `daemonkit stats` CLI.
type MemberSnapshot struct {
	PID           int
	CorrelationID string
	SpawnedAt     time.Time
	CurrentCall   int64
}

// Members returns a snapshot of every live pool member.
func (p *pool) Members() []MemberSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MemberSnapshot, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, MemberSnapshot{
			PID:           m.pid,
			CorrelationID: m.correlationID,
			SpawnedAt:     m.spawnedAt,
			CurrentCall:   m.currentCall,
		})
	}
	return out
}

// markIdle clears currentCall for the member handling callID, called
// when that call reaches a terminal state.
func (p *pool) markIdle(callID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.currentCall == callID {
			m.currentCall = 0
		}
	}
}

// memberForCall returns the member currently handling callID, if any.
func (p *pool) memberForCall(callID int64) *poolMember {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.currentCall == callID {
			return m
		}
	}
	return nil
}

// dropCall removes any pending RUNNING/RETURN messages for callID from its
// owning member's queue, so a stale message already in flight cannot
// resurrect a Call that has been declared terminal (spec.md §4.6.1).
func (p *pool) dropCall(callID int64) {
	if m := p.memberForCall(callID); m != nil {
		m.queue.Drop(callID)
	}
}

// killCall kills the process of the member currently handling callID, so a
// stuck child does not keep occupying its slot after its Call has been
// declared TIMEOUT. supervise's exit handler removes the member and
// respawns a replacement (spec.md §8 Scenario 5: "child respawns").
func (p *pool) killCall(callID int64) {
	m := p.memberForCall(callID)
	if m == nil || m.cmd == nil || m.cmd.Process == nil {
		return
	}
	m.cmd.Process.Kill()
}

// queues returns every live member's queue, used to poll for
// RUNNING/RETURN messages each iteration.
func (p *pool) queues() []via.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	qs := make([]via.Queue, 0, len(p.members))
	for _, m := range p.members {
		qs = append(qs, m.queue)
	}
	return qs
}

// teardown signals the pool to stop respawning, kills every live member,
// and waits for them to exit.
func (p *pool) teardown() {
	p.mu.Lock()
	p.shutdown = true
	members := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		members = append(members, m)
	}
	p.mu.Unlock()

	for _, m := range members {
		m.queue.Release()
		m.cmd.Process.Kill()
	}
	for _, m := range members {
		<-m.exited
	}
}
