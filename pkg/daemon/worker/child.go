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
	"fmt"
	"os"
	"time"

	"github.com/tombee/daemonkit/pkg/daemon/via"
)

// RunChild runs the child executor loop (spec.md §4.6.3) against queue
// until the queue is released (parent teardown or pipe closure) or ctx is
// done. A pool child process calls this after re-exec'ing into child
// mode; it never returns into the daemon's main loop (spec.md §4.4's
// invariant: "a child process must never re-enter the main loop").
func RunChild(ctx context.Context, inv Invoker, q via.Queue) error {
	for {
		msg, ok, err := q.Get(ctx, via.Call, true)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		payload, ok := msg.Payload.(via.CallPayload)
		if !ok {
			continue
		}

		if err := q.Put(via.Message{
			Type:   via.Running,
			CallID: msg.CallID,
			Payload: via.RunningPayload{PID: os.Getpid(), StartedAt: time.Now()},
		}); err != nil {
			return err
		}

		result, callErr := invokeRecovering(inv, payload.Method, payload.Args)

		status := "RETURNED"
		var returnValue any = result
		if callErr != nil {
			status = "UNCAUGHT"
			returnValue = callErr.Error()
		}

		if err := q.Put(via.Message{
			Type:   via.Return,
			CallID: msg.CallID,
			Payload: via.ReturnPayload{Status: status, ReturnValue: returnValue, ReturnedAt: time.Now()},
		}); err != nil {
			return err
		}
	}
}

// invokeRecovering calls inv.Invoke, converting a panic into an error so
// a single misbehaving call never kills the child (spec.md §4.6.3: "The
// child never terminates on a single failed call").
func invokeRecovering(inv Invoker, method string, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", method, r)
		}
	}()
	return inv.Invoke(method, args)
}
