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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	dklog "github.com/tombee/daemonkit/internal/log"
	"github.com/tombee/daemonkit/pkg/daemon/via"
	"github.com/tombee/daemonkit/pkg/daemon/worker"
)

// workerChildEnv is set on a pool child's environment so main() branches
// into RunWorkerChild instead of cobra's command tree -- the same
// self-exec signal internal/lifecycle.Spawner uses for detaching,
// applied to pool children instead of the whole process.
const workerChildEnv = "DAEMONKIT_WORKER_CHILD"

// heartbeatInvoker is the non-domain-specific worker object SPEC_FULL.md
// §8 allows the bootstrap to carry: it answers a single "ping" method so
// pkg/daemon/worker's pool, ledger, and admission limiter are exercised
// end to end by the daemon binary, not only by unit tests.
type heartbeatInvoker struct {
	logger *slog.Logger
}

func (h heartbeatInvoker) Invoke(method string, args []any) (any, error) {
	if h.logger != nil {
		dklog.Trace(h.logger, "invoking", dklog.String("method", method))
	}
	switch method {
	case "ping":
		return "pong", nil
	default:
		return nil, fmt.Errorf("heartbeatInvoker: unknown method %q", method)
	}
}

// newWorkerChildCmd builds the *exec.Cmd for one pool child: it re-execs
// the current binary with workerChildEnv set and stderr shared with the
// parent. It leaves stdin and stdout unset: the pool's spawnLocked opens
// them as the pipe transport's two halves (spec.md §4.6's "process
// isolation" baseline).
func newWorkerChildCmd() (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), workerChildEnv+"=1")
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// IsWorkerChild reports whether this process was re-exec'd as a pool
// child, checked by cmd/daemonkit's main() before cobra ever parses argv
// -- mirroring the teacher's pre-cobra flag branch for its own child mode.
func IsWorkerChild() bool {
	return os.Getenv(workerChildEnv) == "1"
}

// RunWorkerChild runs the child executor loop over stdin/stdout, never
// returning into the daemon's main loop (spec.md §4.4's invariant that a
// forked child never re-enters the parent's event loop). Since a pool
// child has no config file, its logger is built from environment
// variables alone (internal/log.FromEnv), tagged with its own pid and
// component name, and written to stderr so it never collides with the
// pipe transport framed over stdout.
func RunWorkerChild(ctx context.Context) error {
	logger := dklog.New(dklog.FromEnv())
	logger = dklog.WithComponent(logger, "worker-child")
	logger = dklog.WithPID(logger, os.Getpid())

	logger.Info("worker child starting")

	q := via.NewPipeQueue(os.Stdout, os.Stdin, os.Stdin)
	defer q.Release()

	err := worker.RunChild(ctx, heartbeatInvoker{logger: logger}, q)
	logger.Info("worker child exiting", dklog.Error(err))
	return err
}
