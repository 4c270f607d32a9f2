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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/tombee/daemonkit/internal/cli"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// A pool child is re-exec'd with DAEMONKIT_WORKER_CHILD set, before
	// cobra ever sees argv: it runs the worker executor loop over
	// stdin/stdout and never falls through to the command tree.
	if cli.IsWorkerChild() {
		if err := cli.RunWorkerChild(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "daemonkit: worker child:", err)
			os.Exit(1)
		}
		return
	}

	// A one-shot task child is re-exec'd with DAEMONKIT_TASK_CHILD set: it
	// runs the named task routine to completion and exits, the same
	// pre-cobra branch pattern applied to pkg/daemon/task instead of
	// pkg/daemon/worker.
	if cli.IsTaskChild() {
		if err := cli.RunTaskChild(); err != nil {
			fmt.Fprintln(os.Stderr, "daemonkit: task child:", err)
			os.Exit(1)
		}
		return
	}

	cli.SetVersion(version, commit)

	if err := cli.NewRootCommand().Execute(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "daemonkit:", err)
		os.Exit(1)
	}
}
