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

package via

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrReleased is returned by Get/Put once Release has been called.
var ErrReleased = errors.New("via: queue released")

// InProcess is a Queue backed by per-type FIFOs guarded by a mutex and
// condition variable. It is used by unit tests that exercise the Worker
// Mediator's parent-side logic without forking a real child process, and
// is the queue type a PipeQueue decodes incoming framed messages into on
// each side of the pipe.
type InProcess struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queues    map[Type][]Message
	errCount  int
	released  bool
	dedup     *dedup
}

// NewInProcess constructs an empty InProcess queue.
func NewInProcess() *InProcess {
	q := &InProcess{
		queues: make(map[Type][]Message),
		dedup:  newDedup(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues msg, skipping it if (msg.CallID, msg.Type) was already
// enqueued before (at-least-once dedup, spec.md §4.6.1). Drop and Purge
// clear the recorded pairs.
func (q *InProcess) Put(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return ErrReleased
	}
	if q.dedup.seenOrMark(dedupKey{msg.CallID, msg.Type}) {
		return nil
	}

	q.queues[msg.Type] = append(q.queues[msg.Type], msg)
	q.cond.Broadcast()
	return nil
}

// Get retrieves the next message of type typ. When blocking, it waits
// until one arrives, the queue is released, or ctx is done.
func (q *InProcess) Get(ctx context.Context, typ Type, blocking bool) (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.queues[typ]) > 0 {
			msg := q.queues[typ][0]
			q.queues[typ] = q.queues[typ][1:]
			return msg, true, nil
		}
		if q.released {
			return Message{}, false, ErrReleased
		}
		if !blocking {
			return Message{}, false, nil
		}
		if ctx.Err() != nil {
			return Message{}, false, ctx.Err()
		}

		// sync.Cond has no context-aware wait; poll via a short-lived
		// wake-up channel so ctx cancellation is observed promptly.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
		q.cond.Wait()
		close(done)

		if ctx.Err() != nil {
			return Message{}, false, ctx.Err()
		}
	}
}

// State reports queue depth across all types. MemoryAllocation is a rough
// estimate (message count * a fixed per-message overhead) since payloads
// are arbitrary Go values, not a serialized byte count.
func (q *InProcess) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	for _, msgs := range q.queues {
		n += len(msgs)
	}
	return State{
		Messages:         n,
		MemoryAllocation: int64(n) * 256,
		ErrorCount:       q.errCount,
	}
}

// Drop removes every pending message for callID across all types.
func (q *InProcess) Drop(callID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for typ, msgs := range q.queues {
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.CallID != callID {
				filtered = append(filtered, m)
			}
		}
		q.queues[typ] = filtered
	}
	q.dedup.forget(callID)
}

// Purge removes every pending message.
func (q *InProcess) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[Type][]Message)
	q.dedup.reset()
}

// Release marks the queue released, waking any blocked Get calls.
func (q *InProcess) Release() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = true
	q.cond.Broadcast()
	return nil
}

// Error records the failure and sleeps the backoff-with-jitter interval,
// returning false once try has exhausted maxRetries.
func (q *InProcess) Error(e error, try int, maxRetries int) bool {
	q.mu.Lock()
	q.errCount++
	q.mu.Unlock()

	if try >= maxRetries {
		return false
	}
	time.Sleep(Backoff(try))
	return true
}
