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

// Package cli wires daemonkit's external interface (spec.md §6): the
// `-H|-h`, `-d`, `-p <pid_file>` flag surface via cobra/pflag, the
// heartbeat daemon bootstrap, and the read-only `stats`/`calls`
// inspection commands SPEC_FULL.md §6 adds on top of the spec's CLI.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "unknown"
)

// SetVersion records build-time version information for the `version`
// command, mirroring the teacher's ldflags-injected globals.
func SetVersion(v, c string) {
	version = v
	commit = c
}

// NewRootCommand builds the daemonkit root command. Running it with no
// subcommand is spec.md §6's CLI contract: start the daemon, honoring
// -d/-p; -H and -h print usage and exit 0 (cobra's default help behavior,
// aliased under both flags since the source language does not
// distinguish single/double-dash length).
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemonkit",
		Short: "daemonkit runs a long-lived background service loop",
		Long: `daemonkit is a framework for long-running background services: a
periodic event loop with drift-aware idle budgeting and auto-restart, a
throttled event dispatch bus, a one-shot process-fork task model, and a
worker mediator that turns method calls into asynchronous, process-parallel
jobs over a typed transport.

Running daemonkit with no subcommand starts the daemon loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	cmd.Flags().BoolP("help-alias", "H", false, "show help (alias of -h)")
	cmd.Flags().MarkHidden("help-alias")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if alias, _ := cmd.Flags().GetBool("help-alias"); alias {
			cmd.Help()
			// pflag.ErrHelp short-circuits RunE the same way cobra's own
			// -h/--help does internally; a nil return here would let
			// Command.execute() fall through to runDaemon right after
			// printing usage.
			return pflag.ErrHelp
		}
		return nil
	}

	cmd.Flags().BoolP("detach", "d", false, "daemonize: double-fork and detach from the terminal")
	cmd.Flags().StringP("pid-file", "p", "", "write the daemon's pid to this path, removed on shutdown")
	cmd.Flags().String("config", "", "path to a YAML config file (default: XDG config dir)")
	cmd.Flags().String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")

	cmd.AddCommand(newStatsCommand())
	cmd.AddCommand(newCallsCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newStatusCommand())

	return cmd
}
