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

package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/tombee/daemonkit/pkg/daemon/task"
)

const (
	taskChildEnv = "DAEMONKIT_TASK_CHILD"
	taskNameEnv  = "DAEMONKIT_TASK_NAME"
	tasksDirEnv  = "DAEMONKIT_TASKS_DIR"
)

// noopTask is the one non-domain-specific routine the bootstrap registers
// directly, mirroring heartbeatInvoker's "ping": it gives the Task
// Forker's fork/supervise/ON_FORK/ON_ERROR path a real child process and
// exit code to carry end to end without inventing example daemon logic.
func noopTask() error { return nil }

// registerBuiltinTasks names the routines a task child must be able to
// resolve by name. It is called both by the parent, to wire Forker.Task,
// and by a re-exec'd child, to resolve the name RunTaskChild receives --
// a forked Go process starts a fresh runtime and cannot share the
// parent's closures (task.Register's own doc comment).
func registerBuiltinTasks(f *task.Forker) {
	f.Register("noop", noopTask)
}

// newTaskChildCmd builds the task.NewChildCmd for one-shot task children:
// it re-execs the current binary with taskChildEnv/taskNameEnv set, the
// same self-exec pattern newWorkerChildCmd uses for pool children.
// tasksDir is threaded through so the child can re-run plugin discovery
// and resolve a plugin-backed routine by the same name.
func newTaskChildCmd(tasksDir string) task.NewChildCmd {
	return func(name string) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		env := append(os.Environ(), taskChildEnv+"=1", taskNameEnv+"="+name)
		if tasksDir != "" {
			env = append(env, tasksDirEnv+"="+tasksDir)
		}
		cmd := exec.Command(exe)
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}
}

// IsTaskChild reports whether this process was re-exec'd as a one-shot
// task child, checked by cmd/daemonkit's main() before cobra ever parses
// argv.
func IsTaskChild() bool {
	return os.Getenv(taskChildEnv) == "1"
}

// RunTaskChild resolves the task named by taskNameEnv against the same
// routine set the parent registered -- built-ins plus any plugin tasks
// discovered under tasksDirEnv -- and runs it to completion.
func RunTaskChild() error {
	name := os.Getenv(taskNameEnv)
	if name == "" {
		return fmt.Errorf("task child: %s not set", taskNameEnv)
	}

	f := task.New(nil, nil)
	registerBuiltinTasks(f)
	if dir := os.Getenv(tasksDirEnv); dir != "" {
		if _, err := f.Discover(dir); err != nil {
			return fmt.Errorf("task child: discovering plugins in %s: %w", dir, err)
		}
	}

	return task.RunChild(nil, f.Routines(), name)
}
