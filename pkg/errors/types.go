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

package errors

import (
	"fmt"
	"time"
)

// EnvironmentError represents a missing capability or bad configuration
// detected during startup (check_environment, spec.md §4.7). Environment
// errors are always fatal before run() begins.
type EnvironmentError struct {
	// Component identifies the plugin or subsystem that failed the check.
	Component string

	// Reason explains what is missing or misconfigured.
	Reason string
}

// Error implements the error interface.
func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment check failed for %s: %s", e.Component, e.Reason)
}

// ErrorType identifies this error for programmatic classification.
func (e *EnvironmentError) ErrorType() string { return "environment" }

// IsRetryable reports that environment errors are never retryable.
func (e *EnvironmentError) IsRetryable() bool { return false }

// RecoverableError represents a runtime error that was caught, logged, and
// dispatched as ON_ERROR, but does not terminate the event loop: a worker
// call that raised, or a transport put/get that failed transiently.
type RecoverableError struct {
	// Op names the operation that failed (e.g. "worker.call", "via.put").
	Op string

	// Attempt is the retry attempt number this error occurred on (0 = first try).
	Attempt int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *RecoverableError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("%s failed (attempt %d): %v", e.Op, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RecoverableError) Unwrap() error { return e.Cause }

// ErrorType identifies this error for programmatic classification.
func (e *RecoverableError) ErrorType() string { return "recoverable" }

// IsRetryable reports that recoverable errors should be retried by the caller's policy.
func (e *RecoverableError) IsRetryable() bool { return true }

// FatalError represents an uncaught error in the parent event loop, a
// signal-handler failure, or a lock-acquisition failure (spec.md §7 kind 3).
// The lifecycle controller logs it, dispatches ON_ERROR, and either re-execs
// (daemonized, past minimum uptime) or exits with status 1.
type FatalError struct {
	// Op names the operation that failed.
	Op string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal error in %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("fatal error in %s", e.Op)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType identifies this error for programmatic classification.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable reports that fatal errors are not retried inline; the
// lifecycle controller's restart policy is a separate decision.
func (e *FatalError) IsRetryable() bool { return false }

// CallTimeoutError represents a worker Call that exceeded its per-method
// time bound between CALLED/RUNNING and RETURNED (spec.md §7 kind 4). It is
// terminal: on_timeout is invoked exactly once and the Call does not
// transition further.
type CallTimeoutError struct {
	// Method is the worker method name that was called.
	Method string

	// CallID is the id of the Call that timed out.
	CallID int64

	// Bound is the configured timeout for Method.
	Bound time.Duration

	// Elapsed is how long the call had been outstanding when it was declared timed out.
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("call %d (%s) timed out after %v (bound %v)", e.CallID, e.Method, e.Elapsed, e.Bound)
}

// ErrorType identifies this error for programmatic classification.
func (e *CallTimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports that a timed-out call is terminal and not retried.
func (e *CallTimeoutError) IsRetryable() bool { return false }

// ErrShutdownRequested is not an error condition — it is the sentinel for
// a blocking operation that unblocks because shutdown was requested rather
// than because work arrived (spec.md §7 kind 5). The via queues do not
// return it: their Get reports a released queue with via.ErrReleased.
var ErrShutdownRequested = &shutdownRequested{}

type shutdownRequested struct{}

func (*shutdownRequested) Error() string { return "shutdown requested" }
