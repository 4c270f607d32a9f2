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

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/config"
	"github.com/tombee/daemonkit/internal/lifecycle"
	dklog "github.com/tombee/daemonkit/internal/log"
	"github.com/tombee/daemonkit/internal/telemetry"
	"github.com/tombee/daemonkit/pkg/daemon/controller"
	"github.com/tombee/daemonkit/pkg/daemon/eventbus"
	"github.com/tombee/daemonkit/pkg/daemon/lock"
	"github.com/tombee/daemonkit/pkg/daemon/task"
	"github.com/tombee/daemonkit/pkg/daemon/worker"
)

// runDaemon implements spec.md §6's CLI contract: load config, resolve
// -d/-p against it, optionally detach, acquire the configured lock
// provider via the controller's ON_INIT dispatch, and run the event loop
// with a heartbeat execute() -- no domain-specific example daemon logic,
// per SPEC_FULL.md §8, just enough to exercise the library end to end.
func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		cfg.Detach = true
	}
	if pidFile, _ := cmd.Flags().GetString("pid-file"); pidFile != "" {
		cfg.PIDFile = pidFile
	}

	logger := dklog.New(&dklog.Config{
		Level:  cfg.Log.Level,
		Format: dklog.Format(cfg.Log.Format),
		Output: os.Stderr,
	})

	if cfg.Detach && os.Getenv("DAEMONKIT_DETACHED") != "1" {
		return detachAndExit(cmd, cfg, logger)
	}

	if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Error("metrics server exited", dklog.Error(http.ListenAndServe(metricsAddr, mux)))
		}()
	}

	var pidMgr *lifecycle.PIDFileManager
	if cfg.PIDFile != "" {
		pidMgr = lifecycle.NewPIDFileManager(cfg.PIDFile)
		if err := pidMgr.Create(os.Getpid()); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer pidMgr.Remove()
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(os.TempDir(), "daemonkit-lifecycle.log"))
	lifecycleLog.LogStart(version, os.Args[1:], configPath)
	startedAt := time.Now()

	lockProvider, err := lock.New(cfg.Lock.Provider, lock.Config{
		SelfPID: os.Getpid(),
		TTL:     time.Duration(cfg.Lock.TTL * float64(time.Second)),
		Padding: time.Duration(cfg.Lock.Padding * float64(time.Second)),
		Path:    cfg.Lock.Path,
	})
	if err != nil {
		return err
	}

	statsSnapshot := filepath.Join(os.TempDir(), "daemonkit-stats.json")

	tp, err := telemetry.New(context.Background(), telemetry.Config{
		ServiceName:    "daemonkit",
		ServiceVersion: version,
		OTLPEndpoint:   os.Getenv("DAEMONKIT_OTLP_ENDPOINT"),
		Insecure:       os.Getenv("DAEMONKIT_OTLP_INSECURE") == "1",
	})
	if err != nil {
		return fmt.Errorf("starting tracer provider: %w", err)
	}
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("daemonkit")

	var ledger *worker.Ledger
	if cfg.Worker.LedgerPath != "" {
		ledger, err = worker.NewLedger(cfg.Worker.LedgerPath)
		if err != nil {
			return fmt.Errorf("opening call ledger: %w", err)
		}
		defer ledger.Close()
	}

	inlineLogger := dklog.WithComponent(logger, "worker-inline")
	mediator := worker.New(heartbeatInvoker{logger: inlineLogger}, newWorkerChildCmd, worker.Config{
		PoolSize:       cfg.Worker.PoolSize,
		Retries:        cfg.Worker.Retries,
		DefaultTimeout: cfg.Worker.DefaultTimeout,
		Timeouts:       cfg.Worker.Timeouts,
		HighWaterMark:  cfg.Worker.HighWaterMark,
		LowWaterMark:   cfg.Worker.LowWaterMark,
		GracePeriod:    cfg.Worker.GracePeriod,
		AdmissionRate:  cfg.Worker.AdmissionRate,
		AdmissionBurst: cfg.Worker.AdmissionBurst,
		Ledger:         ledger,
		Tracer:         tracer,
	})
	dklog.NewCallLogger(logger).Register(mediator)

	bus := eventbus.New()
	forker := task.New(bus, newTaskChildCmd(cfg.TasksDir))
	registerBuiltinTasks(forker)
	if cfg.TasksDir != "" {
		names, err := forker.Discover(cfg.TasksDir)
		if err != nil {
			logger.Warn("task plugin discovery failed", dklog.Error(err), "dir", cfg.TasksDir)
		} else {
			logger.Info("discovered task plugins", "names", names)
		}

		stopWatch, err := forker.Watch(cfg.TasksDir)
		if err != nil {
			logger.Warn("task plugin watch failed", dklog.Error(err), "dir", cfg.TasksDir)
		} else {
			defer stopWatch()
		}
	}

	ctl := controller.New(controller.Options{
		LoopInterval:        cfg.LoopInterval,
		IdleProbability:     cfg.IdleProbability,
		AutoRestartInterval: time.Duration(cfg.AutoRestartInterval) * time.Second,
		Detach:              cfg.Detach,
		RestartArgs:         os.Args,
		LockProvider:        lockProvider,
		Bus:                 bus,
		EnvironmentChecks:   []controller.EnvironmentCheck{lockProvider.CheckEnvironment},
		WorkerSetups:        []func() error{mediator.Setup},
		WorkerTeardowns:     []func() error{mediator.Teardown},
		Execute:             heartbeat(logger, mediator, forker),
		Logger:              logger,
		StatsSnapshotPath:   statsSnapshot,
		Tracer:              tracer,
	})

	if err := ctl.Init(); err != nil {
		lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("controller init: %w", err)
	}
	defer func() {
		ctl.Teardown()
		lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(startedAt))
	}()

	lifecycleLog.LogStartSuccess(os.Getpid(), time.Since(startedAt))
	logger.Info("daemonkit started", "pid", os.Getpid(), "loop_interval", cfg.LoopInterval)
	return ctl.Run(context.Background())
}

// heartbeat is the minimal user Execute routine: it logs once per
// iteration at debug level, drives mediator's parent-side poll, issues an
// occasional "ping" Call so the pool, admission limiter, and ledger are
// exercised end to end, and forks an occasional one-shot "noop" task so
// the Task Forker's fork/supervise/ON_FORK/ON_ERROR path sees real
// traffic too -- no domain logic, per SPEC_FULL.md §8.
func heartbeat(logger *slog.Logger, mediator *worker.Mediator, forker *task.Forker) controller.Execute {
	var tick int
	return func(c *controller.Controller) error {
		logger.Debug("heartbeat")

		mediator.Poll(context.Background())

		tick++
		if tick%10 == 0 {
			if _, err := mediator.Call("ping", nil); err != nil {
				logger.Debug("heartbeat ping not admitted", dklog.Error(err))
			}
		}
		if tick%20 == 0 {
			if _, err := forker.Task("noop"); err != nil {
				logger.Debug("heartbeat task fork failed", dklog.Error(err))
			}
		}
		return nil
	}
}

// detachAndExit re-execs the current process with DAEMONKIT_DETACHED=1
// set, detached from the controlling terminal via
// internal/lifecycle.Spawner, then exits 0 -- the "-d" half of spec.md
// §6's CLI contract.
func detachAndExit(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) error {
	spawner := lifecycle.NewSpawner().
		WithEnv(append(os.Environ(), "DAEMONKIT_DETACHED=1")).
		WithLogger(logger)

	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), "daemonkit.log")
	}

	if _, err := spawner.SpawnDetached(os.Args[0], os.Args[1:], logPath); err != nil {
		return fmt.Errorf("detaching: %w", err)
	}
	return nil
}
