// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command server runs the work-order orchestration API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/executor"
	"github.com/overseerhq/overseer/internal/logbuffer"
	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/sandbox"
	"github.com/overseerhq/overseer/internal/server"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/telemetry"
	"github.com/overseerhq/overseer/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return err
	}

	// The log buffer is wired into the logger as an extra sink so every
	// record tagged with a work_order_id becomes streamable.
	buffer := logbuffer.New()
	if err := logger.Initialize(&cfg.Log, logbuffer.NewSinkWriter(buffer)); err != nil {
		return err
	}
	defer logger.CloseGlobal()

	log := logger.GetLogger("main")
	log.Info().Str("state_backend", cfg.State.Backend).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing_shutdown_failed")
		}
	}()

	repo, err := store.NewRepository(cfg)
	if err != nil {
		return err
	}

	go buffer.RunCleanup(ctx, logbuffer.CleanupInterval)

	orchestrator := workflow.NewOrchestrator(
		repo,
		sandbox.NewFactory(&cfg.Git),
		&workflow.StepRunner{
			Executor: executor.New(cfg.CLI, executor.NewArtifactWriter(cfg.Artifacts)),
			Loader:   &workflow.CommandLoader{Dir: cfg.CLI.CommandsDir},
		},
		cfg.Git.BaseBranch,
	)
	registry := workflow.NewRegistry(orchestrator, repo)
	reconciler := &workflow.Reconciler{Repo: repo, TempBase: cfg.Git.TempBase}

	srv := server.New(&cfg.Server, repo, registry, buffer, reconciler)
	if err := srv.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("shutdown_completed")
	return nil
}
