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

package task

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/daemonkit/pkg/daemon/eventbus"
)

func TestForker_TaskUnknownRoutine(t *testing.T) {
	f := New(eventbus.New(), func(name string) (*exec.Cmd, error) {
		t.Fatal("newCmd should not be called for an unregistered routine")
		return nil, nil
	})
	_, err := f.Task("nope")
	require.Error(t, err)
}

func TestForker_TaskForksAndDispatchesOnFork(t *testing.T) {
	bus := eventbus.New()
	var forkedName string
	var forkedPID int
	var mu sync.Mutex
	bus.On(eventbus.OnFork, func(args ...any) {
		mu.Lock()
		defer mu.Unlock()
		forkedName = args[0].(string)
		forkedPID = args[1].(int)
	}, 0)

	f := New(bus, func(name string) (*exec.Cmd, error) {
		return exec.Command("true"), nil
	})
	f.Register("noop", func() error { return nil })

	pid, err := f.Task("noop")
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return forkedName == "noop"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, pid, forkedPID)
}

func TestForker_NonZeroExitDispatchesOnError(t *testing.T) {
	bus := eventbus.New()
	errCh := make(chan error, 1)
	bus.On(eventbus.OnError, func(args ...any) {
		errCh <- args[2].(error)
	}, 0)

	f := New(bus, func(name string) (*exec.Cmd, error) {
		return exec.Command("false"), nil
	})
	f.Register("fail", func() error { return errors.New("unused in parent") })

	_, err := f.Task("fail")
	require.NoError(t, err)

	select {
	case e := <-errCh:
		require.Error(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("expected ON_ERROR dispatch for non-zero exit")
	}
}

func TestForker_InFlightTracksRunningChildren(t *testing.T) {
	f := New(nil, func(name string) (*exec.Cmd, error) {
		return exec.Command("sleep", "0.2"), nil
	})
	f.Register("slow", func() error { return nil })

	_, err := f.Task("slow")
	require.NoError(t, err)
	require.Equal(t, 1, f.InFlight())

	require.Eventually(t, func() bool {
		return f.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunChild_DispatchesOnForkAndRunsRoutine(t *testing.T) {
	bus := eventbus.New()
	var sawFork bool
	bus.On(eventbus.OnFork, func(args ...any) { sawFork = true }, 0)

	var ran bool
	routines := map[string]Routine{
		"x": func() error { ran = true; return nil },
	}

	err := RunChild(bus, routines, "x")
	require.NoError(t, err)
	require.True(t, ran)
	require.True(t, sawFork)
}

func TestRunChild_UnknownRoutine(t *testing.T) {
	err := RunChild(nil, map[string]Routine{}, "missing")
	require.Error(t, err)
}

func TestRunChild_PropagatesRoutineError(t *testing.T) {
	boom := errors.New("boom")
	routines := map[string]Routine{"x": func() error { return boom }}
	err := RunChild(nil, routines, "x")
	require.ErrorIs(t, err, boom)
}

func TestForker_Routines_IsASnapshot(t *testing.T) {
	f := New(nil, nil)
	f.Register("a", func() error { return nil })

	snap := f.Routines()
	require.Len(t, snap, 1)
	_, ok := snap["a"]
	require.True(t, ok)

	f.Register("b", func() error { return nil })
	require.Len(t, snap, 1, "snapshot must not observe later registrations")
}

func TestDiscover_RegistersTaskPlugins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/cleanup.task", []byte("#!/bin/sh\nexit 0\n"), 0755))
	require.NoError(t, os.WriteFile(dir+"/ignored.txt", []byte("not a task"), 0644))

	f := New(nil, nil)
	names, err := f.Discover(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"cleanup"}, names)

	snap := f.Routines()
	_, ok := snap["cleanup"]
	require.True(t, ok)
}
