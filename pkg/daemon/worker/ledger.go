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

package worker

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Ledger persists every terminal Call to a SQLite file, independent of
// the in-memory Call table's grace-period GC (spec.md §4.6.2 step 4):
// once a Call is swept from memory, the ledger is the only remaining
// record, read back by the `daemonkit calls` CLI (SPEC_FULL.md §6).
type Ledger struct {
	db *sql.DB
}

// NewLedger opens (creating if absent) a SQLite ledger at path. Special
// value ":memory:" is supported for tests.
func NewLedger(path string) (*Ledger, error) {
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("worker: opening ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS daemonkit_calls (
		id INTEGER PRIMARY KEY,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		queued_at INTEGER NOT NULL,
		returned_at INTEGER NOT NULL,
		retries INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		return_value TEXT,
		error TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("worker: creating ledger schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Record writes call's terminal snapshot as one row. Failures are not
// returned to the caller: the ledger is a best-effort audit trail, never
// a dependency of the call lifecycle itself.
func (l *Ledger) Record(call *Call) {
	if l == nil || l.db == nil {
		return
	}

	var returnValue string
	if call.ReturnValue != nil {
		if b, err := json.Marshal(call.ReturnValue); err == nil {
			returnValue = string(b)
		}
	}
	var errText string
	if call.Err != nil {
		errText = call.Err.Error()
	}

	_, _ = l.db.Exec(
		`INSERT INTO daemonkit_calls
			(id, method, status, queued_at, returned_at, retries, errors, return_value, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			returned_at = excluded.returned_at,
			return_value = excluded.return_value,
			error = excluded.error`,
		call.ID, call.Method, string(call.Status),
		call.QueuedAt.Unix(), call.ReturnedAt.Unix(),
		call.Retries, call.Errors, returnValue, errText,
	)
}

// LedgerEntry is one row read back from the ledger, for CLI inspection.
type LedgerEntry struct {
	ID          int64
	Method      string
	Status      string
	QueuedAt    int64
	ReturnedAt  int64
	Retries     int
	Errors      int
	ReturnValue string
	Error       string
}

// Recent returns the most recent n terminal calls, newest first.
func (l *Ledger) Recent(n int) ([]LedgerEntry, error) {
	rows, err := l.db.Query(
		`SELECT id, method, status, queued_at, returned_at, retries, errors, return_value, error
		 FROM daemonkit_calls ORDER BY returned_at DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("worker: querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var returnValue, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.Method, &e.Status, &e.QueuedAt, &e.ReturnedAt, &e.Retries, &e.Errors, &returnValue, &errText); err != nil {
			return nil, fmt.Errorf("worker: scanning ledger row: %w", err)
		}
		e.ReturnValue = returnValue.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
