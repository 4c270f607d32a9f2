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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLease_Expired(t *testing.T) {
	now := time.Now()

	fresh := Lease{OwnerPID: 1, AcquiredAt: now}
	require.False(t, fresh.Expired(now, 30*time.Second, 5*time.Second))

	stale := Lease{OwnerPID: 1, AcquiredAt: now.Add(-time.Hour)}
	require.True(t, stale.Expired(now, 30*time.Second, 5*time.Second))

	boundary := Lease{OwnerPID: 1, AcquiredAt: now.Add(-35 * time.Second)}
	require.False(t, boundary.Expired(now, 30*time.Second, 5*time.Second))
}

func TestNull_AlwaysSucceeds(t *testing.T) {
	n := NewNull(Config{})
	require.NoError(t, n.CheckEnvironment())
	require.NoError(t, n.Setup())

	lease, err := n.Check()
	require.NoError(t, err)
	require.Nil(t, lease)

	require.NoError(t, n.Set())
	require.NoError(t, n.Teardown())
}

func TestNew_Providers(t *testing.T) {
	p, err := New("null", Config{})
	require.NoError(t, err)
	require.IsType(t, &Null{}, p)

	p, err = New("", Config{})
	require.NoError(t, err)
	require.IsType(t, &Null{}, p)

	p, err = New("shared_memory", Config{Path: "/tmp/x.lock"})
	require.NoError(t, err)
	require.IsType(t, &SharedMemory{}, p)

	p, err = New("distributed_kv", Config{Path: "/tmp/x.db"})
	require.NoError(t, err)
	require.IsType(t, &DistributedKV{}, p)

	_, err = New("bogus", Config{})
	require.Error(t, err)
}

func TestSharedMemory_SetAndCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.lock")

	self := NewSharedMemory(Config{SelfPID: 100, TTL: 30 * time.Second, Padding: 5 * time.Second, Path: path})
	require.NoError(t, self.CheckEnvironment())
	require.NoError(t, self.Setup())
	defer self.Teardown()

	lease, err := self.Check()
	require.NoError(t, err)
	require.Nil(t, lease, "no lease is held before Set")

	require.NoError(t, self.Set())

	lease, err = self.Check()
	require.NoError(t, err)
	require.Nil(t, lease, "self's own lease is invisible to Check")
}

func TestSharedMemory_SecondHolderBlocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.lock")

	first := NewSharedMemory(Config{SelfPID: 100, TTL: time.Hour, Padding: time.Second, Path: path})
	require.NoError(t, first.Setup())
	require.NoError(t, first.Set())

	second := NewSharedMemory(Config{SelfPID: 200, TTL: time.Hour, Padding: time.Second, Path: path})
	require.NoError(t, second.Setup(), "Setup must not block even while first's flock is held")
	require.False(t, second.lock.Locked())

	lease, err := second.Check()
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, 100, lease.OwnerPID)

	err = second.Set()
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Teardown())
}

func TestSharedMemory_SetupDoesNotBlockOnContendedFlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.lock")

	first := NewSharedMemory(Config{SelfPID: 100, TTL: time.Hour, Padding: time.Second, Path: path})
	require.NoError(t, first.Setup())
	require.NoError(t, first.Set())
	defer first.Teardown()

	second := NewSharedMemory(Config{SelfPID: 200, TTL: time.Hour, Padding: time.Second, Path: path})

	done := make(chan error, 1)
	go func() { done <- second.Setup() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Setup blocked on a contended flock instead of falling through")
	}
}

func TestSharedMemory_SetReclaimsOnceFirstHolderReleases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.lock")

	first := NewSharedMemory(Config{SelfPID: 100, TTL: time.Nanosecond, Padding: 0, Path: path})
	require.NoError(t, first.Setup())
	require.NoError(t, first.Set())
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, first.Teardown()) // releases the flock as well as the record

	second := NewSharedMemory(Config{SelfPID: 200, TTL: time.Hour, Padding: time.Second, Path: path})
	require.NoError(t, second.Setup())
	require.NoError(t, second.Set(), "an expired lease whose flock has since been released must be reclaimable")
}

func TestSharedMemory_ExpiredLeaseIsReclaimable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.lock")

	stale := NewSharedMemory(Config{SelfPID: 100, TTL: time.Nanosecond, Padding: 0, Path: path})
	require.NoError(t, stale.Setup())
	require.NoError(t, stale.Set())
	time.Sleep(5 * time.Millisecond)

	other := NewSharedMemory(Config{SelfPID: 200, TTL: time.Hour, Padding: time.Second, Path: path})
	other.lock = stale.lock

	require.NoError(t, other.Set(), "an expired lease should be reclaimable by a new holder")
}

func TestSharedMemory_CheckReturnsNilForExpiredLease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.lock")

	stale := NewSharedMemory(Config{SelfPID: 100, TTL: time.Nanosecond, Padding: 0, Path: path})
	require.NoError(t, stale.Setup())
	require.NoError(t, stale.Set())
	time.Sleep(5 * time.Millisecond)

	other := NewSharedMemory(Config{SelfPID: 200, TTL: time.Hour, Padding: time.Second, Path: path})
	other.lock = stale.lock

	lease, err := other.Check()
	require.NoError(t, err)
	require.Nil(t, lease, "Check must apply the same ttl+padding expiry test Set already does")
}

func TestDistributedKV_SetAndCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.db")

	self := NewDistributedKV(Config{SelfPID: 100, TTL: 30 * time.Second, Padding: 5 * time.Second, Path: path})
	require.NoError(t, self.CheckEnvironment())
	require.NoError(t, self.Setup())
	defer self.Teardown()

	lease, err := self.Check()
	require.NoError(t, err)
	require.Nil(t, lease, "no lease is held before Set")

	require.NoError(t, self.Set())

	lease, err = self.Check()
	require.NoError(t, err)
	require.Nil(t, lease, "self's own lease is invisible to Check")
}

func TestDistributedKV_CheckReturnsNilForExpiredLease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonkit.db")

	stale := NewDistributedKV(Config{SelfPID: 100, TTL: time.Nanosecond, Padding: 0, Path: path})
	require.NoError(t, stale.Setup())
	require.NoError(t, stale.Set())
	time.Sleep(5 * time.Millisecond)

	other := NewDistributedKV(Config{SelfPID: 200, TTL: time.Hour, Padding: time.Second, Path: path})
	other.db = stale.db

	lease, err := other.Check()
	require.NoError(t, err)
	require.Nil(t, lease, "Check must apply the same ttl+padding expiry test Set already does")

	require.NoError(t, other.Set(), "an expired lease should also be reclaimable by Set")
}
