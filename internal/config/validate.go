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

package config

import (
	"fmt"
	"strings"
)

var validLockProviders = map[string]bool{
	"null":           true,
	"shared_memory":  true,
	"distributed_kv": true,
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{"json": true, "text": true, "line": true}

// Validate checks the configuration against spec.md's invariants, collecting
// every violation rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.LoopInterval < 0 {
		errs = append(errs, fmt.Sprintf("loop_interval must be non-negative, got %v", c.LoopInterval))
	}
	if c.IdleProbability < 0 || c.IdleProbability > 1 {
		errs = append(errs, fmt.Sprintf("idle_probability must be between 0.0 and 1.0, got %v", c.IdleProbability))
	}
	if c.AutoRestartInterval < MinRestartSeconds {
		errs = append(errs, fmt.Sprintf("auto_restart_interval must be >= %d, got %d", MinRestartSeconds, c.AutoRestartInterval))
	}

	if !validLockProviders[c.Lock.Provider] {
		errs = append(errs, fmt.Sprintf("lock.provider must be one of [null, shared_memory, distributed_kv], got %q", c.Lock.Provider))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Sprintf("lock.ttl must be positive, got %v", c.Lock.TTL))
	}
	if c.Lock.Padding < 0 {
		errs = append(errs, fmt.Sprintf("lock.padding must be non-negative, got %v", c.Lock.Padding))
	}
	if (c.Lock.Provider == "shared_memory" || c.Lock.Provider == "distributed_kv") && c.Lock.Path == "" {
		errs = append(errs, fmt.Sprintf("lock.path is required for lock.provider %q", c.Lock.Provider))
	}

	if c.Worker.PoolSize < 1 {
		errs = append(errs, fmt.Sprintf("worker.pool_size must be at least 1, got %d", c.Worker.PoolSize))
	}
	if c.Worker.Retries < 0 {
		errs = append(errs, fmt.Sprintf("worker.retries must be non-negative, got %d", c.Worker.Retries))
	}
	if c.Worker.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("worker.default_timeout must be positive, got %v", c.Worker.DefaultTimeout))
	}
	if c.Worker.HighWaterMark <= c.Worker.LowWaterMark {
		errs = append(errs, fmt.Sprintf("worker.high_water_mark (%d) must exceed worker.low_water_mark (%d)", c.Worker.HighWaterMark, c.Worker.LowWaterMark))
	}
	if c.Worker.GracePeriod < 0 {
		errs = append(errs, fmt.Sprintf("worker.grace_period must be non-negative, got %v", c.Worker.GracePeriod))
	}
	if c.Worker.AdmissionRate < 0 {
		errs = append(errs, fmt.Sprintf("worker.admission_rate must be non-negative, got %v", c.Worker.AdmissionRate))
	}
	if c.Worker.AdmissionBurst < 0 {
		errs = append(errs, fmt.Sprintf("worker.admission_burst must be non-negative, got %d", c.Worker.AdmissionBurst))
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text, line], got %q", c.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
}
