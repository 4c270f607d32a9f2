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

import (
	"os"
	"runtime"
	"syscall"
	"time"
)

// ApplyPriorityHint nudges the process nice value by NiceDelta(loopInterval),
// applied once at startup. Lack of privilege to lower the nice value is
// reported through the returned error for the caller to log, not treated
// as fatal (spec.md §4.3).
func ApplyPriorityHint(loopInterval time.Duration) error {
	delta := NiceDelta(loopInterval)
	if delta == 0 {
		return nil
	}

	current, err := syscall.Getpriority(syscall.PRIO_PROCESS, os.Getpid())
	if err != nil {
		return err
	}
	// Linux's raw getpriority(2) returns 20-nice (1..40) so it is never
	// negative; other unix kernels return the nice value itself.
	niceCurrent := current
	if runtime.GOOS == "linux" {
		niceCurrent = 20 - current
	}
	return syscall.Setpriority(syscall.PRIO_PROCESS, os.Getpid(), niceCurrent+delta)
}
