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
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// headerWriter is implemented by sinks that need the "\nDate ... Message\n"
// header written exactly once per log-file open (spec.md §6). The parent
// calls WriteHeader; children append without ever calling it.
type headerWriter interface {
	WriteHeader() error
}

// LineHandler is a slog.Handler that renders the external wire format:
//
//	[YYYY-MM-DD HH:MM:SS] <5-char pid> <13-char label> <tabs*indent> <message>
//
// The label is the component attached via WithComponent, right-padded or
// truncated to 13 characters; indent is derived from the number of group
// attributes currently open so nested dispatch (e.g. ON_ERROR raised while
// handling ON_PREEXECUTE) visually nests in the log.
type LineHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
	pid    int
}

// NewLineHandler creates a LineHandler writing to out.
func NewLineHandler(out io.Writer, opts *slog.HandlerOptions) *LineHandler {
	level := slog.Leveler(slog.LevelInfo)
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &LineHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
		pid:   os.Getpid(),
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes the record.
func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	label := "daemonkit"
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())

	for _, a := range h.attrs {
		collectAttr(fields, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collectAttr(fields, a)
		return true
	})
	if c, ok := fields["component"]; ok {
		if s, ok := c.(string); ok && s != "" {
			label = s
		}
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	indent := strings.Repeat("\t", len(h.groups))
	msg := r.Message
	if len(fields) > 0 {
		var parts []string
		for k, v := range fields {
			if k == "component" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		if len(parts) > 0 {
			msg = msg + " " + strings.Join(parts, " ")
		}
	}

	line := fmt.Sprintf("[%s] %-5s %-13s %s%s\n",
		ts.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("%d", h.pid),
		truncateLabel(label, 13),
		indent,
		msg,
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write([]byte(line))
	return err
}

// WithAttrs returns a new handler with the given attributes appended.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &LineHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		groups: h.groups,
		pid:    h.pid,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
	return n
}

// WithGroup returns a new handler nested one group deeper, which renders as
// one more tab of indentation (spec.md §6's "<tabs*indent>").
func (h *LineHandler) WithGroup(name string) slog.Handler {
	n := &LineHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		pid:    h.pid,
		groups: append(append([]string{}, h.groups...), name),
	}
	return n
}

// WriteHeader writes the once-per-open header line. Only the parent should
// call this; children append without it.
func (h *LineHandler) WriteHeader() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.out, "\nDate                 PID   Component     Message\n")
	return err
}

func collectAttr(fields map[string]any, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fields[a.Key] = a.Value.Any()
}

func truncateLabel(label string, width int) string {
	if len(label) <= width {
		return label
	}
	return label[:width]
}
