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

package lifecycle

import (
	"os"
	"syscall"
)

// FlockFile is a regular file guarded by an advisory exclusive lock: the
// single-writer primitive PIDFileManager uses for the daemon's own pid
// file and that pkg/daemon/lock's SharedMemory provider uses for its
// single-host lease file. Both packages build on this one type instead of
// each reimplementing open/flock/close.
//
// Holding the open file and holding its flock are tracked separately:
// TryOpenFlock can hand back a FlockFile whose lock was contended, so a
// caller can still Read() the record underneath a live holder without
// blocking on it.
type FlockFile struct {
	file   *os.File
	locked bool
}

// OpenFlock opens path, creating it with perm if it doesn't exist, and
// acquires an exclusive flock on it. If excl is true, O_EXCL is added so
// an already-existing file is an error (os.IsExist) rather than being
// reused -- the PID file's symlink/race-proof creation mode. If
// nonblocking is true, a lock already held by another process is reported
// immediately as syscall.EWOULDBLOCK instead of waiting for it to clear.
func OpenFlock(path string, perm os.FileMode, excl, nonblocking bool) (*FlockFile, error) {
	flags := os.O_RDWR | os.O_CREATE
	if excl {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}

	lockFlags := syscall.LOCK_EX
	if nonblocking {
		lockFlags |= syscall.LOCK_NB
	}
	if err := syscall.Flock(int(f.Fd()), lockFlags); err != nil {
		f.Close()
		return nil, err
	}
	return &FlockFile{file: f, locked: true}, nil
}

// TryOpenFlock opens path (creating it with perm if needed) and attempts a
// nonblocking exclusive flock, but unlike OpenFlock treats contention as a
// non-error outcome: it returns the open file either way, with locked
// reporting whether the flock was actually acquired. Callers that only
// need to read the file's contents -- a lease record whose own ttl is the
// real liveness check -- can fall through on a contended lock instead of
// waiting on whoever holds it.
func TryOpenFlock(path string, perm os.FileMode) (lock *FlockFile, locked bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, false, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, false, err
		}
		return &FlockFile{file: f, locked: false}, false, nil
	}
	return &FlockFile{file: f, locked: true}, true, nil
}

// TryLock attempts to upgrade a FlockFile that was opened unlocked (via
// TryOpenFlock finding contention) into one actually holding the flock,
// without blocking. It is a no-op if the lock is already held.
func (l *FlockFile) TryLock() error {
	if l.locked {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return err
	}
	l.locked = true
	return nil
}

// Locked reports whether this FlockFile currently holds the flock.
func (l *FlockFile) Locked() bool {
	return l.locked
}

// Write truncates-then-replaces is the caller's job (see Truncate); Write
// appends data at the file's current offset and fsyncs it to disk.
func (l *FlockFile) Write(data []byte) error {
	if _, err := l.file.Write(data); err != nil {
		return err
	}
	return l.file.Sync()
}

// Read returns the file's full contents from the start, regardless of the
// current offset.
func (l *FlockFile) Read() ([]byte, error) {
	if _, err := l.file.Seek(0, 0); err != nil {
		return nil, err
	}
	return os.ReadFile(l.file.Name())
}

// Truncate empties the file and resets the offset to 0, for callers that
// rewrite the whole contents on every update.
func (l *FlockFile) Truncate() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.Seek(0, 0)
	return err
}

// Unlock releases the flock and closes the file. The lock is not usable
// afterward.
func (l *FlockFile) Unlock() error {
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}

// Path returns the filesystem path the lock was opened against.
func (l *FlockFile) Path() string {
	return l.file.Name()
}
