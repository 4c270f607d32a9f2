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

//go:build unix

package timer

import "time"

// SleepGuarded sleeps for d. spec.md §4.3 requires SIGCHLD be blocked
// across this sleep so an exiting forked child does not interrupt it;
// Go's time.Sleep is driven by the runtime timer rather than a blocking
// nanosleep(2) call, so it is never woken early by an arriving signal --
// the invariant holds without an explicit sigprocmask dance. Callers that
// reap children still do so via a signal.Notify channel drained after
// Idle/End, never inside this call.
func SleepGuarded(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}
