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

// Package lock implements the singleton-instance guarantee (spec.md §4.1):
// a TTL-refreshed lease, keyed by an application identity, that admits at
// most one live holder at a time.
package lock

import (
	"errors"
	"time"
)

// ErrHeld is returned by Set when a non-self, non-expired lease already
// exists.
var ErrHeld = errors.New("lock: held by another instance")

// Lease is the persisted claim on the singleton-instance lock: {owner_pid,
// acquired_at} per spec.md §3.
type Lease struct {
	OwnerPID   int
	AcquiredAt time.Time
}

// Expired reports whether the lease is no longer valid as of now, given
// ttl and padding (spec.md §4.1: "time + ttl + padding >= now").
func (l Lease) Expired(now time.Time, ttl, padding time.Duration) bool {
	return l.AcquiredAt.Add(ttl).Add(padding).Before(now)
}

// Provider is the polymorphic lock capability: null, shared-memory, and
// distributed-kv variants all implement this contract.
type Provider interface {
	// Setup prepares the backend (e.g. opens a lock file). Called once,
	// as an ON_INIT listener, before the lifecycle controller's setup().
	Setup() error

	// Teardown releases the lease iff the stored owner equals self, then
	// closes the backend.
	Teardown() error

	// Check returns the current lease, or nil if there is none, or if the
	// stored lease belongs to self.
	Check() (*Lease, error)

	// Set claims the lease for self. Returns ErrHeld if Check returns a
	// non-self, non-expired lease.
	Set() error

	// CheckEnvironment validates that the backend is reachable/usable
	// before Setup is attempted (e.g. directory exists and is writable).
	CheckEnvironment() error
}

// Config parameterizes a Provider's TTL-and-padding validity window and
// self-identity.
type Config struct {
	// SelfPID is this process's pid; a lease with this owner is never
	// considered "held by another instance".
	SelfPID int

	// TTL is how long a lease is valid without renewal.
	TTL time.Duration

	// Padding absorbs clock skew between the holder and the checker.
	Padding time.Duration

	// Path is the backend-specific location (file path or DSN). Unused by
	// the null provider.
	Path string
}

// New constructs the Provider named by kind ("null", "shared_memory", or
// "distributed_kv").
func New(kind string, cfg Config) (Provider, error) {
	switch kind {
	case "", "null":
		return NewNull(cfg), nil
	case "shared_memory":
		return NewSharedMemory(cfg), nil
	case "distributed_kv":
		return NewDistributedKV(cfg), nil
	default:
		return nil, errors.New("lock: unknown provider " + kind)
	}
}
