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
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// wireMessage is Message's JSON-on-the-wire shape; Payload is carried as
// raw JSON so the receiving side can decode it into the concrete payload
// struct for msg.Type without a type registry.
type wireMessage struct {
	Type   Type            `json:"type"`
	CallID int64           `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

// PipeQueue is the real-process Queue implementation (spec.md §9's
// "process isolation ... real OS-process fork+exec" baseline): it frames
// Messages as length-prefixed JSON over a single outgoing writer (the
// peer's stdin, from the parent's side, or this process's stdout, from a
// pool child's side) and decodes incoming frames from a single reader
// (the peer's stdout, or this process's stdin) into a local InProcess
// queue that Get reads from.
type PipeQueue struct {
	local  *InProcess
	w      io.Writer
	wMu    sync.Mutex
	closer io.Closer

	readErr error
	readMu  sync.Mutex
}

// NewPipeQueue wraps w (outgoing) and r (incoming) as a Queue. closer is
// called by Release to unblock any in-flight read; it is typically the
// same underlying pipe as r.
func NewPipeQueue(w io.Writer, r io.Reader, closer io.Closer) *PipeQueue {
	p := &PipeQueue{
		local:  NewInProcess(),
		w:      w,
		closer: closer,
	}
	go p.readLoop(r)
	return p
}

func (p *PipeQueue) readLoop(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			p.readMu.Lock()
			p.readErr = err
			p.readMu.Unlock()
			p.local.Release()
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			p.readMu.Lock()
			p.readErr = err
			p.readMu.Unlock()
			p.local.Release()
			return
		}

		var wm wireMessage
		if err := json.Unmarshal(buf, &wm); err != nil {
			continue
		}
		msg, err := decodePayload(wm)
		if err != nil {
			continue
		}
		p.local.Put(msg)
	}
}

func decodePayload(wm wireMessage) (Message, error) {
	msg := Message{Type: wm.Type, CallID: wm.CallID}
	switch wm.Type {
	case Call:
		var p CallPayload
		if err := json.Unmarshal(wm.Payload, &p); err != nil {
			return Message{}, err
		}
		msg.Payload = p
	case Running:
		var p RunningPayload
		if err := json.Unmarshal(wm.Payload, &p); err != nil {
			return Message{}, err
		}
		msg.Payload = p
	case Return:
		var p ReturnPayload
		if err := json.Unmarshal(wm.Payload, &p); err != nil {
			return Message{}, err
		}
		msg.Payload = p
	default:
		return Message{}, fmt.Errorf("via: unknown message type %q", wm.Type)
	}
	return msg, nil
}

// Put serializes msg and writes it, length-prefixed, to the outgoing
// writer.
func (p *PipeQueue) Put(msg Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wireMessage{Type: msg.Type, CallID: msg.CallID, Payload: payload})
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	p.wMu.Lock()
	defer p.wMu.Unlock()
	if _, err := p.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = p.w.Write(data)
	return err
}

// Get delegates to the local InProcess queue populated by readLoop.
func (p *PipeQueue) Get(ctx context.Context, typ Type, blocking bool) (Message, bool, error) {
	return p.local.Get(ctx, typ, blocking)
}

// State delegates to the local InProcess queue.
func (p *PipeQueue) State() State { return p.local.State() }

// Drop delegates to the local InProcess queue.
func (p *PipeQueue) Drop(callID int64) { p.local.Drop(callID) }

// Purge delegates to the local InProcess queue.
func (p *PipeQueue) Purge() { p.local.Purge() }

// Release closes the underlying pipe and the local queue, unblocking any
// in-flight Get.
func (p *PipeQueue) Release() error {
	err := p.local.Release()
	if p.closer != nil {
		if cerr := p.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Error delegates to the local InProcess queue's backoff bookkeeping.
func (p *PipeQueue) Error(e error, try int, maxRetries int) bool {
	return p.local.Error(e, try, maxRetries)
}
