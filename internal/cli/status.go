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

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/config"
	"github.com/tombee/daemonkit/internal/lifecycle"
)

// newStatusCommand builds the `daemonkit status` command: read the pid
// file and report whether the named process is alive and recognizably a
// daemonkit process, the same pid-file-then-verify sequence stop.go uses,
// stopping short of actually signaling anything.
func newStatusCommand() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemonkit process is running",
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

			return runStatus(cmd, path)
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "", "path to the pid file (default: config's pid_file)")
	cmd.Flags().String("config", "", "path to a YAML config file (default: XDG config dir)")

	return cmd
}

func runStatus(cmd *cobra.Command, pidFilePath string) error {
	pidMgr := lifecycle.NewPIDFileManager(pidFilePath)
	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "daemonkit is not running (no pid file)")
			return nil
		}
		return fmt.Errorf("reading pid file: %w", err)
	}

	info, err := lifecycle.GetProcessInfo(pid)
	if err != nil {
		return fmt.Errorf("inspecting pid %d: %w", pid, err)
	}

	if !info.Running {
		fmt.Fprintf(cmd.OutOrStdout(), "daemonkit process %d is not running (stale pid file)\n", pid)
		return nil
	}

	if !lifecycle.IsDaemonProcess(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "pid %d is running but is not a daemonkit process: %s\n", pid, info.Command)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "daemonkit is running (pid %d): %s\n", pid, info.Command)
	return nil
}
