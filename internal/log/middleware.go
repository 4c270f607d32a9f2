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

package log

import (
	"context"
	"log/slog"

	"github.com/tombee/daemonkit/pkg/daemon/worker"
)

// CallLogger logs a worker Call's terminal outcome, registered as a
// pkg/daemon/worker.Mediator OnReturn/OnTimeout listener so every Call
// that reaches a terminal status produces exactly one structured log line,
// regardless of which terminal status it landed in.
type CallLogger struct {
	logger *slog.Logger
}

// NewCallLogger builds a CallLogger writing through logger.
func NewCallLogger(logger *slog.Logger) *CallLogger {
	return &CallLogger{logger: logger}
}

// LogTerminal logs call's terminal status, duration, and retry count.
// RETURNED calls log at info; every other terminal status (TIMEOUT,
// UNCAUGHT, CANCELLED) logs at warn, since those represent the failure
// paths of the Worker Mediator's lifecycle.
func (c *CallLogger) LogTerminal(call *worker.Call) {
	logger := WithCall(c.logger, call.ID, call.Method)

	level := slog.LevelInfo
	if call.Status != worker.StatusReturned {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		String("status", string(call.Status)),
		Int64(DurationKey, call.ReturnedAt.Sub(call.QueuedAt).Milliseconds()),
		Int("retries", call.Retries),
		Int("errors", call.Errors),
	}
	if call.Err != nil {
		attrs = append(attrs, Error(call.Err))
	}

	logger.LogAttrs(context.Background(), level, "worker call finished", attrs...)
}

// Register installs LogTerminal as both the OnReturn and OnTimeout
// listener on m, so every terminal Call is logged exactly once.
func (c *CallLogger) Register(m *worker.Mediator) {
	m.OnReturn(c.LogTerminal)
	m.OnTimeout(c.LogTerminal)
}
