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

package via

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcess_PutGet_FIFOPerType(t *testing.T) {
	q := NewInProcess()
	require.NoError(t, q.Put(Message{Type: Call, CallID: 1}))
	require.NoError(t, q.Put(Message{Type: Call, CallID: 2}))
	require.NoError(t, q.Put(Message{Type: Running, CallID: 1}))

	msg, ok, err := q.Get(context.Background(), Call, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), msg.CallID)

	msg, ok, err = q.Get(context.Background(), Call, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), msg.CallID)

	msg, ok, err = q.Get(context.Background(), Running, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), msg.CallID)
}

func TestInProcess_Get_NonBlockingEmpty(t *testing.T) {
	q := NewInProcess()
	_, ok, err := q.Get(context.Background(), Call, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInProcess_Get_BlockingWakesOnPut(t *testing.T) {
	q := NewInProcess()
	done := make(chan Message, 1)

	go func() {
		msg, _, _ := q.Get(context.Background(), Call, true)
		done <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Put(Message{Type: Call, CallID: 7}))

	select {
	case msg := <-done:
		require.Equal(t, int64(7), msg.CallID)
	case <-time.After(time.Second):
		t.Fatal("blocking Get did not wake on Put")
	}
}

func TestInProcess_Get_ContextCancel(t *testing.T) {
	q := NewInProcess()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.Get(ctx, Call, true)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Get did not observe context cancellation")
	}
}

func TestInProcess_Dedup_SameCallIDAndType(t *testing.T) {
	q := NewInProcess()
	require.NoError(t, q.Put(Message{Type: Call, CallID: 1, Payload: "first"}))
	require.NoError(t, q.Put(Message{Type: Call, CallID: 1, Payload: "retry"}))

	state := q.State()
	require.Equal(t, 1, state.Messages, "a retried put with the same (call_id, type) should not double-enqueue")
}

func TestInProcess_Drop_RemovesPendingForCallID(t *testing.T) {
	q := NewInProcess()
	require.NoError(t, q.Put(Message{Type: Call, CallID: 1}))
	require.NoError(t, q.Put(Message{Type: Call, CallID: 2}))

	q.Drop(1)

	require.Equal(t, 1, q.State().Messages)
	msg, ok, _ := q.Get(context.Background(), Call, false)
	require.True(t, ok)
	require.Equal(t, int64(2), msg.CallID)
}

func TestInProcess_Purge(t *testing.T) {
	q := NewInProcess()
	q.Put(Message{Type: Call, CallID: 1})
	q.Put(Message{Type: Running, CallID: 1})

	q.Purge()
	require.Equal(t, 0, q.State().Messages)
}

func TestInProcess_Release_UnblocksGet(t *testing.T) {
	q := NewInProcess()
	errCh := make(chan error, 1)

	go func() {
		_, _, err := q.Get(context.Background(), Call, true)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Release())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrReleased)
	case <-time.After(time.Second):
		t.Fatal("Release did not unblock Get")
	}

	require.ErrorIs(t, q.Put(Message{Type: Call}), ErrReleased)
}

func TestInProcess_Error_BacksOffThenGivesUp(t *testing.T) {
	q := NewInProcess()
	require.True(t, q.Error(errors.New("boom"), 0, 3))
	require.True(t, q.Error(errors.New("boom"), 1, 3))
	require.False(t, q.Error(errors.New("boom"), 3, 3))
	require.Equal(t, 3, q.State().ErrorCount)
}

func TestBackoff_CappedAndNonNegative(t *testing.T) {
	prevUpper := time.Duration(0)
	for try := 0; try < 10; try++ {
		d := Backoff(try)
		require.LessOrEqual(t, d, backoffCap)
		require.GreaterOrEqual(t, d, time.Duration(0))
		_ = prevUpper
	}
}

func TestPipeQueue_RoundTrip(t *testing.T) {
	parentConn, childConn := net.Pipe()

	parent := NewPipeQueue(parentConn, parentConn, parentConn)
	child := NewPipeQueue(childConn, childConn, childConn)
	defer parent.Release()
	defer child.Release()

	require.NoError(t, parent.Put(Message{
		Type:   Call,
		CallID: 42,
		Payload: CallPayload{Method: "square", Args: []any{7.0}},
	}))

	msg, ok, err := child.Get(context.Background(), Call, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), msg.CallID)

	payload, ok := msg.Payload.(CallPayload)
	require.True(t, ok)
	require.Equal(t, "square", payload.Method)

	require.NoError(t, child.Put(Message{
		Type:   Return,
		CallID: 42,
		Payload: ReturnPayload{Status: "RETURNED", ReturnValue: 49.0},
	}))

	msg, ok, err = parent.Get(context.Background(), Return, true)
	require.NoError(t, err)
	require.True(t, ok)
	ret, ok := msg.Payload.(ReturnPayload)
	require.True(t, ok)
	require.Equal(t, 49.0, ret.ReturnValue)
}

func TestPipeQueue_ReleaseUnblocksPeer(t *testing.T) {
	parentConn, childConn := net.Pipe()
	parent := NewPipeQueue(parentConn, parentConn, parentConn)
	child := NewPipeQueue(childConn, childConn, childConn)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := child.Get(context.Background(), Call, true)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, parent.Release())

	select {
	case err := <-errCh:
		require.True(t, err == ErrReleased || errors.Is(err, io.ErrClosedPipe) || err != nil)
	case <-time.After(time.Second):
		t.Fatal("peer did not observe Release")
	}
	child.Release()
}
