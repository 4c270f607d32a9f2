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

// Package via implements the typed message transport between the parent
// and the worker pool's child processes (spec.md §4.6.1): a multi-producer,
// multi-consumer queue with per-type FIFO delivery, at-least-once retry
// with parent-side dedup, and exponential backoff with jitter.
package via

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Type tags a Message per spec.md §4.6.1.
type Type string

const (
	// Call is parent -> pool; exactly one child consumes each.
	Call Type = "CALL"
	// Running is child -> parent; acknowledges pick-up.
	Running Type = "RUNNING"
	// Return is child -> parent; carries the result.
	Return Type = "RETURN"
)

// Message is the wire unit. Payload's concrete shape depends on Type, per
// spec.md §6's abstract wire format: CALL carries (method, args, retries,
// queued_at); RUNNING carries (pid, started_at); RETURN carries (status,
// return_value, returned_at).
type Message struct {
	Type    Type
	CallID  int64
	Payload any
}

// CallPayload is Message.Payload's shape for Type == Call.
type CallPayload struct {
	Method   string
	Args     []any
	Retries  int
	QueuedAt time.Time
}

// RunningPayload is Message.Payload's shape for Type == Running.
type RunningPayload struct {
	PID       int
	StartedAt time.Time
}

// ReturnPayload is Message.Payload's shape for Type == Return.
type ReturnPayload struct {
	Status      string
	ReturnValue any
	ReturnedAt  time.Time
}

// State is the snapshot returned by Queue.State.
type State struct {
	Messages          int
	MemoryAllocation  int64
	ErrorCount        int
}

// Queue is the transport contract both the in-process and the real-process
// implementations satisfy.
type Queue interface {
	// Put enqueues msg for delivery, FIFO within msg.Type.
	Put(msg Message) error

	// Get retrieves the next message of the given type. If blocking is
	// true and none is available, Get blocks until one arrives or ctx is
	// done, returning ctx.Err() in the latter case.
	Get(ctx context.Context, typ Type, blocking bool) (Message, bool, error)

	// State reports queue depth, estimated memory allocation, and the
	// cumulative error count recorded via Error.
	State() State

	// Drop removes every pending message for callID, used when a Call is
	// declared TIMEOUT or CANCELLED so stale RUNNING/RETURN messages
	// don't resurrect it.
	Drop(callID int64)

	// Purge removes every pending message regardless of callID.
	Purge()

	// Release frees transport resources (closes channels, pipes, etc).
	// Get calls in progress unblock with an error.
	Release() error

	// Error records a transport failure for the given attempt number and
	// sleeps the backoff-with-jitter interval before the caller retries.
	// It returns false once try has reached maxRetries, meaning the
	// caller should give up.
	Error(e error, try int, maxRetries int) bool
}

// backoffBase and backoffCap implement spec.md §4.6.1's recommended
// "100ms*2^try, capped at 5s".
const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// Backoff computes the exponential-backoff-with-jitter sleep duration for
// retry attempt try (0-indexed).
func Backoff(try int) time.Duration {
	d := backoffBase << try
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// dedupKey identifies a message for at-least-once dedup by (call_id, type)
// per spec.md §4.6.1.
type dedupKey struct {
	callID int64
	typ    Type
}

// dedup tracks which (call_id, type) pairs have already been enqueued, so
// retried puts don't double-deliver.
type dedup struct {
	mu   sync.Mutex
	seen map[dedupKey]struct{}
}

func newDedup() *dedup {
	return &dedup{seen: make(map[dedupKey]struct{})}
}

// seenOrMark reports whether key was already marked, marking it if not.
func (d *dedup) seenOrMark(key dedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

func (d *dedup) forget(callID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if k.callID == callID {
			delete(d.seen, k)
		}
	}
}

func (d *dedup) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[dedupKey]struct{})
}
