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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/daemonkit/internal/lifecycle"
)

// SharedMemory is the single-host Provider: the lease lives in a regular
// file, guarded by the same lifecycle.FlockFile primitive
// internal/lifecycle's PIDFileManager uses for the controller's pid file.
// "Shared memory" names the spec's intended backend (a single host's
// local state, not a network service); a flock'd file gives the same
// single-writer guarantee without requiring an actual SysV/POSIX shm
// segment.
type SharedMemory struct {
	mu   sync.Mutex
	cfg  Config
	path string
	lock *lifecycle.FlockFile
	self string
}

type sharedMemoryRecord struct {
	OwnerPID   int       `json:"owner_pid"`
	OwnerToken string    `json:"owner_token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewSharedMemory constructs a SharedMemory provider backed by cfg.Path.
func NewSharedMemory(cfg Config) *SharedMemory {
	return &SharedMemory{
		cfg:  cfg,
		path: cfg.Path,
		self: uuid.NewString(),
	}
}

// CheckEnvironment verifies the lease file's parent directory exists and
// is writable.
func (s *SharedMemory) CheckEnvironment() error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("lock: shared_memory directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("lock: shared_memory path %s is not a directory", dir)
	}
	return nil
}

// Setup opens (creating if needed) the lease file and attempts a
// nonblocking flock. The flock and the lease record are separate
// concerns: another live holder means this open contends on the flock,
// but Setup must not block on it -- Check/Set still need to run so the
// record's own ttl+padding can decide whether that holder's lease is
// actually still live (controller.go's ON_INIT dispatch calls Setup
// synchronously, so blocking here would hang daemon startup instead of
// surfacing "another instance is already running").
func (s *SharedMemory) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("lock: creating directory: %w", err)
	}

	lock, _, err := lifecycle.TryOpenFlock(s.path, 0600)
	if err != nil {
		return fmt.Errorf("lock: opening %s: %w", s.path, err)
	}

	s.lock = lock
	return nil
}

// Teardown releases the lease iff the stored owner is self, then releases
// the flock and closes the file.
func (s *SharedMemory) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil {
		return nil
	}

	rec, err := s.read()
	if err == nil && rec != nil && rec.OwnerPID == s.cfg.SelfPID && rec.OwnerToken == s.self {
		if err := s.lock.Truncate(); err != nil {
			s.lock.Unlock()
			s.lock = nil
			return fmt.Errorf("lock: releasing lease: %w", err)
		}
	}

	err = s.lock.Unlock()
	s.lock = nil
	return err
}

// Check returns the current lease, or nil if there is none, the stored
// lease belongs to self, or it has expired (spec.md §4.1: check() returns
// the lease iff pid != self and time+ttl+padding >= now).
func (s *SharedMemory) Check() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read()
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.OwnerPID == s.cfg.SelfPID {
		return nil, nil
	}
	lease := Lease{OwnerPID: rec.OwnerPID, AcquiredAt: rec.AcquiredAt}
	if lease.Expired(time.Now(), s.cfg.TTL, s.cfg.Padding) {
		return nil, nil
	}
	return &lease, nil
}

// Set claims the lease for self. Fails with ErrHeld if a non-self,
// non-expired lease is present.
func (s *SharedMemory) Set() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read()
	if err != nil {
		return err
	}

	now := time.Now()
	if rec != nil && rec.OwnerPID != s.cfg.SelfPID {
		held := Lease{OwnerPID: rec.OwnerPID, AcquiredAt: rec.AcquiredAt}
		if !held.Expired(now, s.cfg.TTL, s.cfg.Padding) {
			return ErrHeld
		}
	}

	// The record looked stale or absent, but the flock may still belong
	// to a live holder whose heartbeat just hasn't caught up yet; that
	// holder's continued hold of the flock is the more authoritative
	// signal, so a contended lock here means the lease is still held
	// even though the record says otherwise.
	if err := s.lock.TryLock(); err != nil {
		return ErrHeld
	}

	return s.write(sharedMemoryRecord{
		OwnerPID:   s.cfg.SelfPID,
		OwnerToken: s.self,
		AcquiredAt: now,
	})
}

func (s *SharedMemory) read() (*sharedMemoryRecord, error) {
	data, err := s.lock.Read()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec sharedMemoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

func (s *SharedMemory) write(rec sharedMemoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.lock.Truncate(); err != nil {
		return err
	}
	return s.lock.Write(data)
}
