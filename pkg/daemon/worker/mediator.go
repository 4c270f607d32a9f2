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
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/daemonkit/pkg/daemon/via"
)

// ErrBackpressure is returned by Call when the transport's queue depth
// has exceeded the high water mark (spec.md §4.6.2 step 5).
var ErrBackpressure = errors.New("worker: backpressure, queue above high water mark")

// ErrNotSetUp is returned by Call/Teardown when Setup has not run.
var ErrNotSetUp = errors.New("worker: Setup has not been called")

// Mediator is the parent-side call scheduler (spec.md §4.6's public
// contract).
type Mediator struct {
	inline Invoker
	newCmd NewChildCmd

	mu            sync.Mutex
	poolSize      int
	maxRetries    int
	defaultTimeout time.Duration
	timeouts      map[string]time.Duration
	gracePeriod   time.Duration
	highWater     int
	lowWater      int
	backpressured bool

	onReturn  []func(*Call)
	onTimeout []func(*Call)

	calls  map[int64]*Call
	nextID int64

	pool *pool

	admission *admissionLimiter

	ledger *Ledger

	// tracer, when set, wraps every Call in a span from CALL put to its
	// terminal status (spec.md's ambient tracing of the call lifecycle).
	tracer  trace.Tracer
	callSpans map[int64]trace.Span
}

// Config parameterizes a Mediator's defaults, mirroring the fields
// internal/config.WorkerConfig carries.
type Config struct {
	PoolSize       int
	Retries        int
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	HighWaterMark  int
	LowWaterMark   int
	GracePeriod    time.Duration

	// AdmissionRate and AdmissionBurst bound how fast Call() admits new
	// work, independent of the high/low water marks: the water marks cap
	// queue depth, this caps the rate of growth, composed per spec.md
	// §4.6.2 step 5. Zero AdmissionRate disables the limiter.
	AdmissionRate  float64
	AdmissionBurst int

	// Tracer, when set, wraps every Call in a span from CALL put to its
	// terminal status.
	Tracer trace.Tracer

	// Ledger, when set, persists every terminal Call for offline
	// inspection (the `daemonkit calls` CLI reads it back).
	Ledger *Ledger
}

// New constructs a Mediator. inline is the worker object used by Inline()
// and, in a child process, by RunChild; newCmd builds the *exec.Cmd for
// each pool member.
func New(inline Invoker, newCmd NewChildCmd, cfg Config) *Mediator {
	timeouts := cfg.Timeouts
	if timeouts == nil {
		timeouts = make(map[string]time.Duration)
	}
	return &Mediator{
		inline:         inline,
		newCmd:         newCmd,
		poolSize:       cfg.PoolSize,
		maxRetries:     cfg.Retries,
		defaultTimeout: cfg.DefaultTimeout,
		timeouts:       timeouts,
		gracePeriod:    cfg.GracePeriod,
		highWater:      cfg.HighWaterMark,
		lowWater:       cfg.LowWaterMark,
		calls:          make(map[int64]*Call),
		tracer:         cfg.Tracer,
		callSpans:      make(map[int64]trace.Span),
		admission:      newAdmissionLimiter(cfg.AdmissionRate, cfg.AdmissionBurst),
		ledger:         cfg.Ledger,
	}
}

// Workers sets the pool size. Must be called before Setup.
func (m *Mediator) Workers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolSize = n
}

// Timeout sets the per-method upper bound on elapsed time between CALLED
// and RETURNED.
func (m *Mediator) Timeout(method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[method] = d
}

// Retries sets the maximum transport retry attempts before a call is
// marked failed.
func (m *Mediator) Retries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRetries = n
}

// OnReturn registers a call-lifecycle listener invoked exactly once per
// Call that reaches RETURNED.
func (m *Mediator) OnReturn(fn func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReturn = append(m.onReturn, fn)
}

// OnTimeout registers a call-lifecycle listener invoked exactly once per
// Call that reaches TIMEOUT, UNCAUGHT or CANCELLED (spec.md §4.6.4 documents
// UNCAUGHT-via-supervision as "a timeout-class failure"; Call marks a call
// CANCELLED when no pool member accepts it within the retry limit).
func (m *Mediator) OnTimeout(fn func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = append(m.onTimeout, fn)
}

// Inline returns the underlying worker object for direct synchronous
// invocation, bypassing the queue (spec.md §4.6.5). Timeouts do not
// apply.
func (m *Mediator) Inline() Invoker { return m.inline }

// Setup forks the pool; each child enters its executor loop.
func (m *Mediator) Setup() error {
	m.mu.Lock()
	size := m.poolSize
	onExit := m.handleMemberExit
	m.mu.Unlock()

	if size < 1 {
		size = 1
	}

	p := newPool(size, m.newCmd, onExit)
	if err := p.start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.pool = p
	m.mu.Unlock()
	return nil
}

// Teardown signals the pool to exit, reaps all children, and releases
// transport resources.
func (m *Mediator) Teardown() error {
	m.mu.Lock()
	p := m.pool
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	p.teardown()
	return nil
}

// Call produces a new Call in UNCALLED, enqueues it as type=CALL, and
// returns its id. Returns ErrBackpressure if the transport queue is above
// the high water mark.
func (m *Mediator) Call(method string, args []any) (int64, error) {
	m.mu.Lock()
	if m.pool == nil {
		m.mu.Unlock()
		return 0, ErrNotSetUp
	}

	if m.backpressured {
		m.mu.Unlock()
		return 0, ErrBackpressure
	}

	admission := m.admission
	m.mu.Unlock()
	if !admission.allow() {
		return 0, ErrRateLimited
	}
	m.mu.Lock()

	m.nextID++
	id := m.nextID
	call := &Call{ID: id, Method: method, Args: args, Status: StatusUncalled, QueuedAt: time.Now()}
	m.calls[id] = call
	pool := m.pool
	if m.tracer != nil {
		_, span := m.tracer.Start(context.Background(), "worker.call", trace.WithAttributes(
			attribute.Int64("call.id", id),
			attribute.String("call.method", method),
		))
		m.callSpans[id] = span
	}
	m.mu.Unlock()

	call.Status = StatusCalled
	msg := via.Message{
		Type:    via.Call,
		CallID:  id,
		Payload: via.CallPayload{Method: method, Args: args, QueuedAt: call.QueuedAt},
	}

	for try := 0; ; try++ {
		if pool.put(id, msg) {
			return id, nil
		}
		call.Errors++
		if try >= m.maxRetries {
			m.finishTerminal(call, StatusCancelled, nil, errors.New("worker: no pool members available"))
			return id, errors.New("worker: no pool members available")
		}
		time.Sleep(via.Backoff(try))
	}
}

// handleMemberExit marks the in-flight call UNCAUGHT when a pool member
// dies mid-call (spec.md §4.6.4).
func (m *Mediator) handleMemberExit(pid int, currentCall int64) {
	if currentCall == 0 {
		return
	}

	m.mu.Lock()
	call, ok := m.calls[currentCall]
	m.mu.Unlock()
	if !ok || call.Status.Terminal() {
		return
	}

	m.finishTerminal(call, StatusUncaught, nil, errors.New("worker: pool member exited mid-call"))
}

// Poll runs one parent-iteration sweep (spec.md §4.6.2 steps 1-5): drains
// RUNNING and RETURN messages, sweeps timeouts and GC-eligible terminal
// calls, and recomputes the backpressure gate.
func (m *Mediator) Poll(ctx context.Context) {
	m.drainRunning(ctx)
	m.drainReturns(ctx)
	m.sweepTimeouts()
	m.sweepGC()
	m.updateBackpressure()
}

func (m *Mediator) drainRunning(ctx context.Context) {
	for _, q := range m.pool.queues() {
		for {
			msg, ok, err := q.Get(ctx, via.Running, false)
			if err != nil || !ok {
				break
			}
			payload, ok := msg.Payload.(via.RunningPayload)
			if !ok {
				continue
			}
			m.mu.Lock()
			if call, exists := m.calls[msg.CallID]; exists && !call.Status.Terminal() {
				call.Status = StatusRunning
				call.StartedAt = payload.StartedAt
			}
			m.mu.Unlock()
		}
	}
}

func (m *Mediator) drainReturns(ctx context.Context) {
	for _, q := range m.pool.queues() {
		for {
			msg, ok, err := q.Get(ctx, via.Return, false)
			if err != nil || !ok {
				break
			}
			payload, ok := msg.Payload.(via.ReturnPayload)
			if !ok {
				continue
			}

			m.mu.Lock()
			call, exists := m.calls[msg.CallID]
			m.mu.Unlock()
			if !exists || call.Status.Terminal() {
				continue
			}

			if payload.Status == "UNCAUGHT" {
				m.finishTerminal(call, StatusUncaught, nil, errors.New("worker: uncaught error in child"))
			} else {
				m.finishTerminal(call, StatusReturned, payload.ReturnValue, nil)
			}
		}
	}
}

func (m *Mediator) sweepTimeouts() {
	now := time.Now()

	m.mu.Lock()
	var toTimeout []*Call
	for _, call := range m.calls {
		if call.Status != StatusCalled && call.Status != StatusRunning {
			continue
		}
		bound := m.defaultTimeout
		if d, ok := m.timeouts[call.Method]; ok {
			bound = d
		}
		reference := call.StartedAt
		if reference.IsZero() {
			reference = call.QueuedAt
		}
		if bound > 0 && now.Sub(reference) > bound {
			toTimeout = append(toTimeout, call)
		}
	}
	m.mu.Unlock()

	for _, call := range toTimeout {
		m.finishTerminal(call, StatusTimeout, nil, nil)
	}
}

func (m *Mediator) sweepGC() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, call := range m.calls {
		if call.Status.Terminal() && !call.GCAt.IsZero() && now.After(call.GCAt) {
			delete(m.calls, id)
			m.pool.markIdle(id) // defensive; normally already idled in finishTerminal
		}
	}
}

// finishTerminal transitions call to a terminal status and dispatches the
// matching lifecycle listener exactly once.
func (m *Mediator) finishTerminal(call *Call, status Status, returnValue any, err error) {
	m.mu.Lock()
	if call.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	call.Status = status
	call.ReturnValue = returnValue
	call.Err = err
	call.ReturnedAt = time.Now()
	call.GCAt = call.ReturnedAt.Add(m.gracePeriod)
	onReturn := append([]func(*Call){}, m.onReturn...)
	onTimeout := append([]func(*Call){}, m.onTimeout...)
	pool := m.pool
	span := m.callSpans[call.ID]
	delete(m.callSpans, call.ID)
	m.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.String("call.status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	if pool != nil {
		if status != StatusReturned {
			pool.dropCall(call.ID)
		}
		if status == StatusTimeout {
			pool.killCall(call.ID)
		}
		pool.markIdle(call.ID)
	}
	if m.ledger != nil {
		m.ledger.Record(call)
	}

	switch status {
	case StatusReturned:
		for _, fn := range onReturn {
			fn(call)
		}
	case StatusTimeout, StatusUncaught, StatusCancelled:
		for _, fn := range onTimeout {
			fn(call)
		}
	}
}

// Get returns the current snapshot of call id, if tracked.
func (m *Mediator) Get(id int64) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	return c, ok
}

// Members returns a snapshot of every live pool member, for the
// `daemonkit stats` CLI.
func (m *Mediator) Members() []MemberSnapshot {
	m.mu.Lock()
	p := m.pool
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Members()
}

// Ledger returns the configured call-audit ledger, or nil if none was set.
func (m *Mediator) Ledger() *Ledger {
	return m.ledger
}

// updateBackpressure recomputes the backpressure gate from the aggregate
// queue depth across the pool (spec.md §4.6.2 step 5: high/low water
// marks with hysteresis).
func (m *Mediator) updateBackpressure() {
	depth := 0
	for _, q := range m.pool.queues() {
		depth += q.State().Messages
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.backpressured && depth > m.highWater {
		m.backpressured = true
	} else if m.backpressured && depth < m.lowWater {
		m.backpressured = false
	}
}

// Backpressured reports whether Call is currently refusing new work.
func (m *Mediator) Backpressured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backpressured
}
