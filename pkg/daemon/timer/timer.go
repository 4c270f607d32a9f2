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

// Package timer implements the per-iteration timing and idle-sleep engine
// (spec.md §4.3): duration measurement, the idle predicate, SIGCHLD-safe
// sleeping, a sampled statistics ring, and one-time nice-value hinting.
package timer

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// sampleProbability is the chance a completed iteration is appended to
// the stats ring (spec.md §4.3: "with probability 0.001").
const sampleProbability = 0.001

// overrunGuard is the floor below which an iteration is never considered
// idle when loop_interval > 0 (spec.md §4.3's "now < start + loop_interval
// - 0.01s").
const overrunGuard = 10 * time.Millisecond

// overrunSleep is the fallback sleep when an iteration overran
// loop_interval (spec.md §4.3: "sleep 0.1 ms").
const overrunSleep = 100 * time.Microsecond

// Sample is one completed iteration's timing.
type Sample struct {
	Duration time.Duration
	Idle     time.Duration
}

// Engine measures iteration duration, computes idle time, sleeps the
// remainder, and maintains the sampled statistics ring.
type Engine struct {
	// LoopInterval is the target iteration period. 0 means "no timer, run
	// as fast as possible".
	LoopInterval time.Duration

	// IdleProbability is consulted only when LoopInterval == 0.
	IdleProbability float64

	// Rand supplies the sampling and idle-probability randomness. Tests
	// can substitute a seeded source for determinism; nil uses the
	// package-level default.
	Rand *rand.Rand

	// MaxSamples bounds the stats ring (spec.md §3: "<= ~200").
	MaxSamples int

	mu      sync.Mutex
	samples []Sample
	started time.Time
}

// New constructs an Engine. maxSamples <= 0 defaults to 200.
func New(loopInterval time.Duration, idleProbability float64, maxSamples int) *Engine {
	if maxSamples <= 0 {
		maxSamples = 200
	}
	return &Engine{
		LoopInterval:    loopInterval,
		IdleProbability: idleProbability,
		MaxSamples:      maxSamples,
	}
}

// Start records the iteration's start time. Pairs with End.
func (e *Engine) Start() {
	e.mu.Lock()
	e.started = time.Now()
	e.mu.Unlock()
}

// Idle reports whether now qualifies as idle under spec.md §4.3's
// predicate. The controller passes this method to ON_IDLE listeners as
// their argument so long-running idle work can abort early.
func (e *Engine) Idle(now time.Time) bool {
	e.mu.Lock()
	start := e.started
	e.mu.Unlock()

	if e.LoopInterval > 0 {
		return now.Before(start.Add(e.LoopInterval).Add(-overrunGuard))
	}
	return e.randFloat() < e.IdleProbability
}

// End computes this iteration's duration and idle budget, samples it into
// the stats ring with probability 0.001, and returns the amount to sleep
// along with whether the iteration overran LoopInterval.
func (e *Engine) End(now time.Time) (sleepFor time.Duration, overran bool) {
	e.mu.Lock()
	start := e.started
	e.mu.Unlock()

	duration := now.Sub(start)
	var idle time.Duration
	if e.LoopInterval > 0 {
		idle = e.LoopInterval - duration
	}

	s := Sample{Duration: duration, Idle: idle}
	e.sample(s)

	if idle > 0 {
		observe(s, false)
		return idle, false
	}
	overran = e.LoopInterval > 0
	observe(s, overran)
	return overrunSleep, overran
}

func (e *Engine) sample(s Sample) {
	if e.randFloat() >= sampleProbability {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, s)
	if len(e.samples) > e.MaxSamples {
		e.samples = e.samples[len(e.samples)-e.MaxSamples:]
	}
}

func (e *Engine) randFloat() float64 {
	if e.Rand != nil {
		return e.Rand.Float64()
	}
	return rand.Float64()
}

// MeanStats is the pair StatsMean returns: the trimmed mean Duration and
// the trimmed mean Idle over the same window of samples, so that over
// identical samples both axes come back equal to the sample's own value
// (spec.md §8).
type MeanStats struct {
	Duration time.Duration
	Idle     time.Duration
}

// StatsMean returns the trimmed mean duration and idle time (dropping the
// top and bottom 5% by duration, then averaging both axes over the same
// surviving window) over the most recent `last` samples (spec.md §4.3:
// "stats_mean(last=100)").
func (e *Engine) StatsMean(last int) MeanStats {
	e.mu.Lock()
	n := len(e.samples)
	if last <= 0 || last > n {
		last = n
	}
	window := make([]Sample, last)
	copy(window, e.samples[n-last:])
	e.mu.Unlock()

	if len(window) == 0 {
		return MeanStats{}
	}

	sort.Slice(window, func(i, j int) bool { return window[i].Duration < window[j].Duration })

	trim := len(window) * 5 / 100
	trimmed := window[trim : len(window)-trim]
	if len(trimmed) == 0 {
		trimmed = window
	}

	var durSum, idleSum time.Duration
	for _, s := range trimmed {
		durSum += s.Duration
		idleSum += s.Idle
	}
	count := time.Duration(len(trimmed))
	return MeanStats{Duration: durSum / count, Idle: idleSum / count}
}

// Samples returns a copy of the current stats ring, most recent last.
func (e *Engine) Samples() []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Sample, len(e.samples))
	copy(out, e.samples)
	return out
}
