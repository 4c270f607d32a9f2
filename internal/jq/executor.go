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

// Package jq evaluates jq expressions against the JSON daemonkit's CLI
// reads back (stats snapshots, call ledger rows), bounded by a timeout so a
// pathological expression cannot hang the CLI.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single expression's evaluation.
const DefaultTimeout = 2 * time.Second

// DefaultMaxInputSize caps the marshaled size of the value an expression
// runs against.
const DefaultMaxInputSize = 10 * 1024 * 1024

// Executor evaluates jq expressions with timeout and input-size limits.
type Executor struct {
	timeout      time.Duration
	maxInputSize int
}

// NewExecutor builds an Executor. Zero timeout/maxInputSize fall back to
// the package defaults.
func NewExecutor(timeout time.Duration, maxInputSize int) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Run evaluates expression against data. An empty expression returns data
// unchanged. Multiple jq outputs are collected into a slice.
func (e *Executor) Run(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	if b, err := json.Marshal(data); err == nil && len(b) > e.maxInputSize {
		return nil, fmt.Errorf("jq: input of %d bytes exceeds limit of %d", len(b), e.maxInputSize)
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq: parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq: compile error: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		results []any
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		iter := code.Run(data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				done <- outcome{err: fmt.Errorf("jq: %w", err)}
				return
			}
			results = append(results, v)
		}
		done <- outcome{results: results}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		switch len(o.results) {
		case 0:
			return nil, nil
		case 1:
			return o.results[0], nil
		default:
			return o.results, nil
		}
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq: evaluation timed out after %v", e.timeout)
	}
}
