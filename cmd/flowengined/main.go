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

// Command flowengined is the worker daemon (spec §4.H): it loads
// configuration, opens the configured store backend, registers the
// compiled-in workflow and activity implementations, and runs a single
// worker.Worker until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowcraft/engine/internal/bootstrap"
	"github.com/flowcraft/engine/internal/config"
	"github.com/flowcraft/engine/internal/log"
	"github.com/flowcraft/engine/internal/registry"
	"github.com/flowcraft/engine/internal/tracing"
	"github.com/flowcraft/engine/internal/worker"
	"github.com/flowcraft/engine/internal/workflow"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		backendType = flag.String("backend", "", "Storage backend (memory, sqlite, postgres)")
		postgresURL = flag.String("postgres-url", "", "PostgreSQL connection URL")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database file path")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowengined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *backendType != "" {
		cfg.Store.Backend = *backendType
	}
	if *postgresURL != "" {
		cfg.Store.Postgres.ConnectionString = *postgresURL
	}
	if *sqlitePath != "" {
		cfg.Store.SQLite.Path = *sqlitePath
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	db, gcLock, err := bootstrap.OpenStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Tracing.Enabled {
		provider, err := tracing.NewProvider(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: cfg.Tracing.ServiceVersion,
			Sampling: tracing.SamplingConfig{
				Enabled:            cfg.Tracing.Sampling.Enabled,
				Type:               cfg.Tracing.Sampling.Type,
				Rate:               cfg.Tracing.Sampling.Rate,
				AlwaysSampleErrors: cfg.Tracing.Sampling.AlwaysSampleErrors,
			},
		})
		if err != nil {
			logger.Error("failed to start tracing provider", slog.Any("error", err))
			os.Exit(1)
		}
		defer provider.Shutdown(context.Background())
	}

	reg := registerBuiltins(registry.NewBuilder()).Build()

	opt := worker.Options{
		PingInterval:  cfg.Worker.PingInterval(),
		GCInterval:    cfg.Worker.GCInterval(),
		TickInterval:  cfg.Worker.TickInterval(),
		LeaseExpiry:   cfg.Worker.LeaseExpiry(),
		MaxPulled:     cfg.Worker.MaxPulled,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		WorkflowOptions: workflow.Options{
			SignalPollInterval:  cfg.Worker.TickInterval(),
			MaxSignalPollTries:  10,
			MaxSubWorkflowTries: 10,
		},
	}

	w := worker.New(db, reg, gcLock, opt, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	w.Run(ctx)
}

// registerBuiltins registers the workflow/activity implementations this
// binary ships with. A production deployment of the engine links its own
// main against internal/registry directly; this daemon ships the "echo"
// workflow so the binary is runnable standalone for smoke-testing a
// store backend end to end.
func registerBuiltins(b *registry.Builder) *registry.Builder {
	b.Workflow("echo", func(c *workflow.Ctx) (json.RawMessage, error) {
		return c.Input, nil
	})
	return b
}
