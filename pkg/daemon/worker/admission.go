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

package worker

import "golang.org/x/time/rate"

// ErrRateLimited is returned by Call when the admission limiter has no
// tokens available. It is composed with ErrBackpressure (spec.md §4.6.2
// step 5): the limiter caps the *rate* of admission, the water marks cap
// the *depth* of the queue, and either can refuse a Call independently.
var ErrRateLimited = errRateLimited{}

type errRateLimited struct{}

func (errRateLimited) Error() string { return "worker: rate limited, retry later" }

// admissionLimiter wraps *rate.Limiter so a zero-value Mediator (no limit
// configured) never refuses admission.
type admissionLimiter struct {
	limiter *rate.Limiter
}

// newAdmissionLimiter builds a token-bucket limiter admitting ratePerSec
// calls per second with room for a burst of burst calls (at least 1), or a no-op limiter when
// ratePerSec is <= 0.
func newAdmissionLimiter(ratePerSec float64, burst int) *admissionLimiter {
	if ratePerSec <= 0 {
		return &admissionLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &admissionLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// allow reports whether a new Call may be admitted right now.
func (a *admissionLimiter) allow() bool {
	if a == nil || a.limiter == nil {
		return true
	}
	return a.limiter.Allow()
}
