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
	"path/filepath"

	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/pkg/daemon/worker"
)

// newCallsCommand builds `daemonkit calls`: reads the Worker Mediator's
// SQLite ledger (pkg/daemon/worker.Ledger) and prints the most recent
// terminal calls, optionally filtered through a jq expression.
func newCallsCommand() *cobra.Command {
	var ledgerPath string
	var limit int
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "list recently completed worker calls from the call ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ledgerPath == "" {
				ledgerPath = filepath.Join(os.TempDir(), "daemonkit-calls.db")
			}

			ledger, err := worker.NewLedger(ledgerPath)
			if err != nil {
				return fmt.Errorf("opening ledger %s: %w", ledgerPath, err)
			}
			defer ledger.Close()

			entries, err := ledger.Recent(limit)
			if err != nil {
				return err
			}

			return printJQ(cmd, entries, jqExpr)
		},
	}

	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "path to the call ledger SQLite file (default: $TMPDIR/daemonkit-calls.db)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of calls to list, newest first")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression to filter the call list, e.g. '.[] | select(.Status==\"RETURNED\")'")
	return cmd
}
