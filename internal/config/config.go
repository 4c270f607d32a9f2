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
	"os"
	"strconv"
	"strings"
	"time"

	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MinRestartSeconds is the floor for auto_restart_interval (spec.md §4.4).
const MinRestartSeconds = 10

// Config is the complete daemonkit configuration: the Lifecycle Controller's
// timer and restart policy, the Lock Provider's backend selection, the
// Worker Mediator's pool sizing and backpressure, and logging.
type Config struct {
	// LoopInterval is the iteration period in seconds. 0 means "no timer,
	// run as fast as possible". Must be non-negative.
	LoopInterval float64 `yaml:"loop_interval"`

	// IdleProbability is consulted only when LoopInterval is 0; it is the
	// probability that an iteration with LoopInterval==0 is treated as idle.
	IdleProbability float64 `yaml:"idle_probability"`

	// AutoRestartInterval is the runtime, in seconds, after which the
	// daemonized parent re-execs itself. Must be >= MinRestartSeconds.
	AutoRestartInterval int `yaml:"auto_restart_interval"`

	// PIDFile is where the parent writes its decimal pid (-p flag default).
	PIDFile string `yaml:"pid_file"`

	// Detach runs the controller double-forked and detached from the
	// terminal (-d flag default).
	Detach bool `yaml:"detach"`

	// TasksDir, when non-empty, is globbed for task-plugin executables at
	// startup (Forker.Discover, spec.md §4.5 extension). Empty disables
	// plugin task discovery.
	TasksDir string `yaml:"tasks_dir"`

	Lock   LockConfig   `yaml:"lock"`
	Worker WorkerConfig `yaml:"worker"`
	Log    LogConfig    `yaml:"log"`
}

// LockConfig configures the Lock Provider (spec.md §4.1).
type LockConfig struct {
	// Provider selects the lease backend: "null", "shared_memory", or
	// "distributed_kv".
	Provider string `yaml:"provider"`

	// TTL is how long a lease is valid without renewal, in seconds.
	TTL float64 `yaml:"ttl"`

	// Padding is added to TTL when checking lease validity, to absorb
	// clock skew between the holder and the checker.
	Padding float64 `yaml:"padding"`

	// Path is the backend-specific location: a file path for shared_memory,
	// a DSN for distributed_kv. Unused by the null provider.
	Path string `yaml:"path"`
}

// WorkerConfig configures the Worker Mediator (spec.md §4.5/§4.6).
type WorkerConfig struct {
	// PoolSize is the number of forked child executors.
	PoolSize int `yaml:"pool_size"`

	// Retries is the maximum transport retry attempts before a call is
	// marked failed (spec.md §4.6.1).
	Retries int `yaml:"retries"`

	// DefaultTimeout bounds elapsed time between CALLED and RETURNED for
	// methods without a more specific entry in Timeouts.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Timeouts overrides DefaultTimeout per method name.
	Timeouts map[string]time.Duration `yaml:"timeouts"`

	// HighWaterMark is the queue depth at which new calls are rejected.
	HighWaterMark int `yaml:"high_water_mark"`

	// LowWaterMark is the queue depth at which rejection is lifted.
	LowWaterMark int `yaml:"low_water_mark"`

	// GracePeriod is how long terminal Calls are retained before GC
	// (spec.md §9: "we recommend 60s").
	GracePeriod time.Duration `yaml:"grace_period"`

	// AdmissionRate caps Call() admission in calls/second, independent of
	// HighWaterMark/LowWaterMark's queue-depth gate. Zero disables it.
	AdmissionRate float64 `yaml:"admission_rate"`

	// AdmissionBurst is the token-bucket burst size for AdmissionRate.
	AdmissionBurst int `yaml:"admission_burst"`

	// LedgerPath, when non-empty, persists every terminal Call to a
	// SQLite file at this path for the `daemonkit calls` CLI to read.
	LedgerPath string `yaml:"ledger_path"`
}

// LogConfig configures the ambient logging stack.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

// Default returns a Config with the defaults documented in spec.md: no
// timer overrun by default, a 10s restart floor, a 2-worker pool.
func Default() *Config {
	return &Config{
		LoopInterval:        1.0,
		IdleProbability:     0.0,
		AutoRestartInterval: MinRestartSeconds,
		PIDFile:             "",
		Detach:              false,
		Lock: LockConfig{
			Provider: "null",
			TTL:      30,
			Padding:  5,
		},
		Worker: WorkerConfig{
			PoolSize:       2,
			Retries:        3,
			DefaultTimeout: 30 * time.Second,
			HighWaterMark:  1000,
			LowWaterMark:   200,
			GracePeriod:    60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "line",
		},
	}
}

// Load reads configuration from a YAML file, if path is non-empty, then
// applies DAEMONKIT_-prefixed environment overrides, then validates.
// Environment variables take precedence over the file. If path is empty,
// Load falls back to the XDG config path (ConfigPath) when a file exists
// there, and otherwise runs on defaults alone -- an XDG config file is
// opportunistic, never required.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if xdgPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(xdgPath); statErr == nil {
				path = xdgPath
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &daemonerrors.EnvironmentError{
				Component: "config",
				Reason:    fmt.Sprintf("failed to read %s: %v", path, err),
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &daemonerrors.EnvironmentError{
				Component: "config",
				Reason:    fmt.Sprintf("failed to parse %s: %v", path, err),
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &daemonerrors.EnvironmentError{
			Component: "config",
			Reason:    err.Error(),
		}
	}

	return cfg, nil
}

// loadFromEnv applies DAEMONKIT_-prefixed environment variable overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("DAEMONKIT_LOOP_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LoopInterval = f
		}
	}
	if v := os.Getenv("DAEMONKIT_IDLE_PROBABILITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.IdleProbability = f
		}
	}
	if v := os.Getenv("DAEMONKIT_AUTO_RESTART_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AutoRestartInterval = n
		}
	}
	if v := os.Getenv("DAEMONKIT_PID_FILE"); v != "" {
		c.PIDFile = v
	}
	if v := os.Getenv("DAEMONKIT_TASKS_DIR"); v != "" {
		c.TasksDir = v
	}
	if v := os.Getenv("DAEMONKIT_LOCK_PROVIDER"); v != "" {
		c.Lock.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("DAEMONKIT_LOCK_PATH"); v != "" {
		c.Lock.Path = v
	}
	if v := os.Getenv("DAEMONKIT_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.PoolSize = n
		}
	}
	if v := os.Getenv("DAEMONKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("DAEMONKIT_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}
