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

package lifecycle

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
)

// Spawner re-execs the current binary as a detached background process for
// spec.md §6's "-d" flag: the daemon's own SpawnDetached call in
// internal/cli/daemon.go's detachAndExit, run once per process before the
// controller exists, so failures here are reported the same way
// controller.FatalError reports a parent-loop failure rather than as a
// plain wrapped error.
type Spawner struct {
	// Env is the environment passed to the child process.
	Env []string

	// Logger records the spawn outcome. Nil disables logging.
	Logger *slog.Logger
}

// NewSpawner creates a new process spawner.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// WithEnv sets additional environment variables for the spawned process.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// WithLogger attaches a logger that records the detached pid (or failure)
// once SpawnDetached returns, mirroring the rest of the cli package's
// structured startup logging instead of leaving that to the caller.
func (s *Spawner) WithLogger(logger *slog.Logger) *Spawner {
	s.Logger = logger
	return s
}

// SpawnDetached spawns a detached background process.
// The process:
// - Runs in its own process group (not killed when parent exits)
// - Has stdin closed, stdout/stderr redirected to logPath
// - Has a new session ID (fully detached)
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	pid, err := s.spawnDetached(binary, args, logPath)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("detach failed", "binary", binary, "log", logPath, "error", err)
		}
		return pid, &daemonerrors.FatalError{Op: "lifecycle.spawn_detached", Cause: err}
	}
	if s.Logger != nil {
		s.Logger.Info("daemonkit detached", "pid", pid, "log", logPath)
	}
	return pid, nil
}

func (s *Spawner) spawnDetached(binary string, args []string, logPath string) (int, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return 0, daemonerrors.Wrapf(err, "creating log directory %s", logDir)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, daemonerrors.Wrapf(err, "opening log file %s", logPath)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	// New process group and session: the spawned daemon survives this
	// process exiting and is fully detached from its controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Setsid:  true,
	}

	if err := cmd.Start(); err != nil {
		return 0, daemonerrors.Wrap(err, "starting detached process")
	}

	pid := cmd.Process.Pid

	// Release rather than Wait: the child is detached and expected to
	// outlive this process.
	if err := cmd.Process.Release(); err != nil {
		return pid, daemonerrors.Wrap(err, "releasing detached process")
	}

	return pid, nil
}

// SpawnDetachedWithFiles is like SpawnDetached but allows specifying
// separate stdout/stderr files, and a logger and daemonerrors wrap for
// consistency with SpawnDetached; unused by daemonkit's own "-d" path
// (which always merges into a single log file per cfg.Log.Path) but kept
// for embedders that want split streams.
func (s *Spawner) SpawnDetachedWithFiles(binary string, args []string, stdoutPath, stderrPath string) (int, error) {
	pid, err := s.spawnDetachedWithFiles(binary, args, stdoutPath, stderrPath)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("detach failed", "binary", binary, "stdout", stdoutPath, "stderr", stderrPath, "error", err)
		}
		return pid, &daemonerrors.FatalError{Op: "lifecycle.spawn_detached", Cause: err}
	}
	if s.Logger != nil {
		s.Logger.Info("daemonkit detached", "pid", pid, "stdout", stdoutPath, "stderr", stderrPath)
	}
	return pid, nil
}

func (s *Spawner) spawnDetachedWithFiles(binary string, args []string, stdoutPath, stderrPath string) (int, error) {
	stdoutDir := filepath.Dir(stdoutPath)
	stderrDir := filepath.Dir(stderrPath)

	if err := os.MkdirAll(stdoutDir, 0700); err != nil {
		return 0, daemonerrors.Wrapf(err, "creating stdout directory %s", stdoutDir)
	}
	if stdoutDir != stderrDir {
		if err := os.MkdirAll(stderrDir, 0700); err != nil {
			return 0, daemonerrors.Wrapf(err, "creating stderr directory %s", stderrDir)
		}
	}

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, daemonerrors.Wrapf(err, "opening stdout file %s", stdoutPath)
	}
	defer stdoutFile.Close()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, daemonerrors.Wrapf(err, "opening stderr file %s", stderrPath)
	}
	defer stderrFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Setsid:  true,
	}

	if err := cmd.Start(); err != nil {
		return 0, daemonerrors.Wrap(err, "starting detached process")
	}

	pid := cmd.Process.Pid

	if err := cmd.Process.Release(); err != nil {
		return pid, daemonerrors.Wrap(err, "releasing detached process")
	}

	return pid, nil
}
