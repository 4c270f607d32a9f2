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

package timer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngine_EndComputesIdle(t *testing.T) {
	e := New(200*time.Millisecond, 0, 0)
	e.Rand = rand.New(rand.NewSource(1))

	e.started = time.Now().Add(-50 * time.Millisecond)
	sleepFor, overran := e.End(time.Now())

	require.False(t, overran)
	require.Greater(t, sleepFor, time.Duration(0))
	require.LessOrEqual(t, sleepFor, 200*time.Millisecond)
}

func TestEngine_EndDetectsOverrun(t *testing.T) {
	e := New(100*time.Millisecond, 0, 0)
	e.Rand = rand.New(rand.NewSource(1))

	e.started = time.Now().Add(-300 * time.Millisecond)
	sleepFor, overran := e.End(time.Now())

	require.True(t, overran)
	require.Equal(t, overrunSleep, sleepFor)
}

func TestEngine_IdlePredicate_WithLoopInterval(t *testing.T) {
	e := New(200*time.Millisecond, 0, 0)
	e.started = time.Now()

	require.True(t, e.Idle(time.Now()))
	require.False(t, e.Idle(time.Now().Add(250*time.Millisecond)))
}

func TestEngine_IdlePredicate_ZeroLoopInterval(t *testing.T) {
	e := New(0, 1.0, 0)
	e.started = time.Now()
	require.True(t, e.Idle(time.Now()))

	e2 := New(0, 0.0, 0)
	e2.started = time.Now()
	require.False(t, e2.Idle(time.Now()))
}

func TestEngine_StatsMean_TrimmedMean(t *testing.T) {
	e := New(0, 0, 0)
	e.samples = make([]Sample, 0, 100)
	for i := 1; i <= 100; i++ {
		e.samples = append(e.samples, Sample{
			Duration: time.Duration(i) * time.Millisecond,
			Idle:     time.Duration(200-i) * time.Millisecond,
		})
	}

	mean := e.StatsMean(100)
	// Dropping the bottom/top 5 (1..5 and 96..100) leaves 6..95, mean
	// duration ~50.5ms and, since idle is duration's mirror (200-i), mean
	// idle ~149.5ms over the same surviving window.
	require.InDelta(t, 50.5, mean.Duration.Seconds()*1000, 1.0)
	require.InDelta(t, 149.5, mean.Idle.Seconds()*1000, 1.0)
}

func TestEngine_StatsMean_IdenticalSamplesReturnSampleValueOnBothAxes(t *testing.T) {
	e := New(0, 0, 0)
	e.samples = []Sample{
		{Duration: 10 * time.Millisecond, Idle: 5 * time.Millisecond},
		{Duration: 10 * time.Millisecond, Idle: 5 * time.Millisecond},
		{Duration: 10 * time.Millisecond, Idle: 5 * time.Millisecond},
	}

	mean := e.StatsMean(100)
	require.Equal(t, 10*time.Millisecond, mean.Duration)
	require.Equal(t, 5*time.Millisecond, mean.Idle)
}

func TestEngine_StatsMean_EmptyRing(t *testing.T) {
	e := New(0, 0, 0)
	require.Equal(t, MeanStats{}, e.StatsMean(100))
}

func TestEngine_SamplesRingBounded(t *testing.T) {
	e := New(0, 0, 5)
	e.Rand = rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		e.sample(Sample{Duration: time.Duration(i) * time.Millisecond})
	}
	require.LessOrEqual(t, len(e.Samples()), 5)
}

func TestNiceDelta_Table(t *testing.T) {
	cases := []struct {
		seconds float64
		want    int
	}{
		{0, 0},
		{6, 0},
		{3, -1},
		{1.5, -2},
		{0.7, -3},
		{0.2, -4},
		{0.05, -5},
	}
	for _, tc := range cases {
		got := NiceDelta(time.Duration(tc.seconds * float64(time.Second)))
		require.Equal(t, tc.want, got, "seconds=%v", tc.seconds)
	}
}

func TestSleepGuarded_ReturnsAfterDuration(t *testing.T) {
	start := time.Now()
	SleepGuarded(10 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleepGuarded_ZeroIsNoop(t *testing.T) {
	start := time.Now()
	SleepGuarded(0)
	require.Less(t, time.Since(start), 5*time.Millisecond)
}
