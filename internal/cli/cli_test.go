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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/daemonkit/pkg/daemon/worker"
)

func TestNewRootCommand_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["stats"])
	require.True(t, names["calls"])
	require.True(t, names["version"])
	require.True(t, names["stop"])
	require.True(t, names["status"])
}

func TestRootCommand_HelpAliasPrintsUsageAndDoesNotRunDaemon(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-H"})

	err := cmd.Execute()
	require.NoError(t, err, "cobra answers PreRunE's pflag.ErrHelp with help output and a nil error")
	require.Contains(t, out.String(), "Running daemonkit with no subcommand starts the daemon loop.")
}

func TestStatusCommand_MissingPIDFileReportsNotRunning(t *testing.T) {
	cmd := newStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--pid-file", filepath.Join(t.TempDir(), "missing.pid")})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "not running")
}

func TestStatusCommand_StalePIDFileReportsNotRunning(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "daemonkit.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("999999999\n"), 0600))

	cmd := newStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--pid-file", pidPath})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "not running")
}

func TestStopCommand_MissingPIDFileIsIdempotent(t *testing.T) {
	cmd := newStopCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--pid-file", filepath.Join(t.TempDir(), "missing.pid")})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "not running")
}

func TestStopCommand_StalePIDFileIsRemoved(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "daemonkit.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("999999999\n"), 0600))

	cmd := newStopCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--pid-file", pidPath})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "stale")

	_, err := os.Stat(pidPath)
	require.True(t, os.IsNotExist(err))
}

func TestVersionCommand_PrintsSetVersion(t *testing.T) {
	SetVersion("1.2.3", "deadbeef")
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "1.2.3")
	require.Contains(t, out.String(), "deadbeef")
}

func TestStatsCommand_MissingSnapshotErrors(t *testing.T) {
	cmd := newStatsCommand()
	cmd.SetArgs([]string{"--snapshot", filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, cmd.Execute())
}

func TestCallsCommand_ReadsLedger(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "calls.db")
	ledger, err := worker.NewLedger(ledgerPath)
	require.NoError(t, err)
	ledger.Record(&worker.Call{ID: 1, Method: "ping", Status: worker.StatusReturned})
	require.NoError(t, ledger.Close())

	cmd := newCallsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--ledger", ledgerPath})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "ping")
}
