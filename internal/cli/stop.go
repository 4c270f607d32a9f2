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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/config"
	"github.com/tombee/daemonkit/internal/lifecycle"
)

// newStopCommand builds the `daemonkit stop` command: read the pid file,
// verify it names a live daemonkit process, and send SIGTERM, escalating
// to SIGKILL under --force if the timeout is exceeded. Idempotent: a
// missing or stale pid file is cleaned up and reported as already-stopped
// rather than an error.
func newStopCommand() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
		pidFile string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemonkit process",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			path := pidFile
			if path == "" {
				path = cfg.PIDFile
			}
			if path == "" {
				path = filepath.Join(os.TempDir(), "daemonkit.pid")
			}

			return runStop(cmd, path, timeout, force)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "graceful shutdown timeout before SIGKILL")
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL if the process has not exited after --timeout")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "path to the pid file (default: config's pid_file)")
	cmd.Flags().String("config", "", "path to a YAML config file (default: XDG config dir)")

	return cmd
}

func runStop(cmd *cobra.Command, pidFilePath string, timeout time.Duration, force bool) error {
	lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(os.TempDir(), "daemonkit-lifecycle.log"))

	pidMgr := lifecycle.NewPIDFileManager(pidFilePath)
	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "daemonkit is not running (no pid file)")
			return nil
		}
		return fmt.Errorf("reading pid file: %w", err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		lifecycleLog.LogStalePID(pid, "process not running")
		fmt.Fprintf(cmd.OutOrStdout(), "daemonkit process %d is not running, removing stale pid file\n", pid)
		return pidMgr.Remove()
	}

	if !lifecycle.IsDaemonProcess(pid) {
		return fmt.Errorf("pid %d is not a daemonkit process, refusing to stop", pid)
	}

	lifecycleLog.LogStop(pid, force)
	startedAt := time.Now()
	fmt.Fprintf(cmd.OutOrStdout(), "stopping daemonkit (pid %d)...\n", pid)

	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		lifecycleLog.LogStopFailure(pid, err)
		return fmt.Errorf("stopping daemonkit: %w", err)
	}

	if err := pidMgr.Remove(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to remove pid file: %v\n", err)
	}

	lifecycleLog.LogStopSuccess(pid, time.Since(startedAt))
	fmt.Fprintln(cmd.OutOrStdout(), "daemonkit stopped")
	return nil
}
