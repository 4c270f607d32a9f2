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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "daemonkit_iteration_duration_seconds",
		Help:    "Lifecycle controller iteration duration",
		Buckets: prometheus.DefBuckets,
	})

	iterationIdle = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "daemonkit_iteration_idle_seconds",
		Help:    "Lifecycle controller idle time per iteration",
		Buckets: prometheus.DefBuckets,
	})

	iterationOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daemonkit_iteration_overruns_total",
		Help: "Iterations whose duration exceeded loop_interval",
	})
)

// observe records every iteration's duration and idle time (End calls it),
// independent of the stats ring's 0.1% sampling rate, since Prometheus
// wants every observation rather than a thinned sample.
func observe(s Sample, overran bool) {
	iterationDuration.Observe(s.Duration.Seconds())
	if s.Idle > 0 {
		iterationIdle.Observe(s.Idle.Seconds())
	}
	if overran {
		iterationOverruns.Inc()
	}
}
