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

package lock

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DistributedKV is the multi-host-capable Provider: the lease lives as a
// single row in a SQLite database, which survives across hosts when
// cfg.Path points at a network filesystem mount shared by every candidate
// holder. This is the variant named in spec.md's Non-goals as explicitly
// NOT providing multi-host clustering guarantees beyond the single-writer
// lease row -- it is a KV table, not a consensus service.
type DistributedKV struct {
	mu   sync.Mutex
	cfg  Config
	db   *sql.DB
	self string
}

// NewDistributedKV constructs a DistributedKV provider backed by the
// SQLite file at cfg.Path.
func NewDistributedKV(cfg Config) *DistributedKV {
	return &DistributedKV{
		cfg:  cfg,
		self: uuid.NewString(),
	}
}

// CheckEnvironment verifies the database can be opened and pinged.
func (d *DistributedKV) CheckEnvironment() error {
	db, err := sql.Open("sqlite", d.cfg.Path)
	if err != nil {
		return fmt.Errorf("lock: opening %s: %w", d.cfg.Path, err)
	}
	defer db.Close()
	return db.Ping()
}

// Setup opens the database and ensures the lease table exists.
func (d *DistributedKV) Setup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := sql.Open("sqlite", d.cfg.Path)
	if err != nil {
		return fmt.Errorf("lock: opening %s: %w", d.cfg.Path, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS daemonkit_lease (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		owner_pid INTEGER NOT NULL,
		owner_token TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("lock: creating lease table: %w", err)
	}

	d.db = db
	return nil
}

// Teardown releases the lease iff self holds it, then closes the database.
func (d *DistributedKV) Teardown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	_, err := d.db.Exec(
		`DELETE FROM daemonkit_lease WHERE id = 0 AND owner_pid = ? AND owner_token = ?`,
		d.cfg.SelfPID, d.self,
	)
	closeErr := d.db.Close()
	d.db = nil
	if err != nil {
		return fmt.Errorf("lock: releasing lease: %w", err)
	}
	return closeErr
}

// Check returns the current lease, or nil if there is none, it belongs
// to self, or it has expired (spec.md §4.1: check() returns the lease
// iff pid != self and time+ttl+padding >= now).
func (d *DistributedKV) Check() (*Lease, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pid, token, acquiredAt, ok, err := d.read()
	if err != nil {
		return nil, err
	}
	if !ok || (pid == d.cfg.SelfPID && token == d.self) {
		return nil, nil
	}
	lease := Lease{OwnerPID: pid, AcquiredAt: acquiredAt}
	if lease.Expired(time.Now(), d.cfg.TTL, d.cfg.Padding) {
		return nil, nil
	}
	return &lease, nil
}

// Set claims the lease row for self, failing with ErrHeld if another,
// non-expired holder is present.
func (d *DistributedKV) Set() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pid, _, acquiredAt, ok, err := d.read()
	if err != nil {
		return err
	}

	now := time.Now()
	if ok && pid != d.cfg.SelfPID {
		held := Lease{OwnerPID: pid, AcquiredAt: acquiredAt}
		if !held.Expired(now, d.cfg.TTL, d.cfg.Padding) {
			return ErrHeld
		}
	}

	_, err = d.db.Exec(
		`INSERT INTO daemonkit_lease (id, owner_pid, owner_token, acquired_at) VALUES (0, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner_pid = excluded.owner_pid, owner_token = excluded.owner_token, acquired_at = excluded.acquired_at`,
		d.cfg.SelfPID, d.self, now.Unix(),
	)
	return err
}

func (d *DistributedKV) read() (pid int, token string, acquiredAt time.Time, ok bool, err error) {
	row := d.db.QueryRow(`SELECT owner_pid, owner_token, acquired_at FROM daemonkit_lease WHERE id = 0`)
	var ts int64
	switch scanErr := row.Scan(&pid, &token, &ts); scanErr {
	case sql.ErrNoRows:
		return 0, "", time.Time{}, false, nil
	case nil:
		return pid, token, time.Unix(ts, 0), true, nil
	default:
		return 0, "", time.Time{}, false, scanErr
	}
}
