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

// Package worker implements the Worker Mediator (spec.md §4.6): the
// parent-side call scheduler and the child-side executor loop, talking
// over a via.Queue transport.
package worker

import "time"

// Status is a Call's lifecycle state (spec.md §3).
type Status string

const (
	StatusUncalled  Status = "UNCALLED"
	StatusCalled    Status = "CALLED"
	StatusRunning   Status = "RUNNING"
	StatusReturned  Status = "RETURNED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
	StatusUncaught  Status = "UNCAUGHT"
)

// Terminal reports whether status ends the Call's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusReturned, StatusCancelled, StatusTimeout, StatusUncaught:
		return true
	default:
		return false
	}
}

// Call is the unit of work flowing through the mediator (spec.md §3).
type Call struct {
	ID      int64
	Method  string
	Args    []any

	Retries int
	Errors  int
	Size    int

	QueuedAt   time.Time
	StartedAt  time.Time
	ReturnedAt time.Time
	GCAt       time.Time

	Status      Status
	ReturnValue any
	Err         error
}
