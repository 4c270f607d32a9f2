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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/jq"
)

// newStatsCommand builds `daemonkit stats`: reads the JSON snapshot the
// running daemon writes on SIGUSR1 (controller.Options.StatsSnapshotPath)
// and optionally filters it through a jq expression, grounded on the
// teacher's internal/jq.Executor pattern for CLI jq filtering.
func newStatsCommand() *cobra.Command {
	var snapshotPath string
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print the running daemon's last SIGUSR1 statistics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshotPath == "" {
				snapshotPath = filepath.Join(os.TempDir(), "daemonkit-stats.json")
			}

			data, err := os.ReadFile(snapshotPath)
			if err != nil {
				return fmt.Errorf("reading stats snapshot %s (send SIGUSR1 to the daemon first): %w", snapshotPath, err)
			}

			var snapshot any
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return fmt.Errorf("parsing stats snapshot: %w", err)
			}

			return printJQ(cmd, snapshot, jqExpr)
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "path to the stats snapshot file (default: $TMPDIR/daemonkit-stats.json)")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression to filter the snapshot, e.g. '.mean_duration'")
	return cmd
}

// printJQ renders data as JSON, or the result of applying expr to it
// when expr is non-empty, via internal/jq's bounded executor.
func printJQ(cmd *cobra.Command, data any, expr string) error {
	result, err := jq.NewExecutor(0, 0).Run(context.Background(), expr, data)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
