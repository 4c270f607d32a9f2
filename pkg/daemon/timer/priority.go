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

import "time"

// NiceDelta computes the one-time nice-value adjustment for a given
// loop_interval, per the table in spec.md §4.3.
func NiceDelta(loopInterval time.Duration) int {
	seconds := loopInterval.Seconds()
	switch {
	case seconds >= 5 || seconds <= 0:
		return 0
	case seconds > 2:
		return -1
	case seconds > 1:
		return -2
	case seconds > 0.5:
		return -3
	case seconds > 0.1:
		return -4
	default:
		return -5
	}
}
