// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/ExpertChat/cmd/expertchat/config"
	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/pkg/logging"
	"github.com/AleutianAI/ExpertChat/services/llm"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/backends"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/conversation"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/handlers"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/jobs"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/memory"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/observability"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/routes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/store"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/turn"
	"github.com/AleutianAI/ExpertChat/services/policy_engine"
	"github.com/AleutianAI/ExpertChat/services/telemetry"
	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "expertchat"

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

// =============================================================================
// Application Wiring
// =============================================================================

// appDeps are the process resources buildApp wires together.
type appDeps struct {
	live     *config.Live
	db       *store.Store
	sealer   *backends.Sealer
	journal  jobs.Journal
	registry prometheus.Registerer

	// metricsHandler serves /metrics. Nil uses the default registry.
	metricsHandler http.Handler
}

// app is a wired service that has not started its workers yet.
type app struct {
	router *gin.Engine
	runner *jobs.Runner
}

// buildApp constructs every component from the startup config.
//
// # Description
//
// The fallback backend and default model are read from deps.live on each
// use, so a config reload changes them for the next turn. Everything
// else is fixed at startup.
func buildApp(deps appDeps) (*app, error) {
	cfg := deps.live.Get()

	auth, err := authProvider(cfg.Auth)
	if err != nil {
		return nil, err
	}
	policy, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return nil, fmt.Errorf("load outbound policy: %w", err)
	}

	opts := extensions.DefaultOptions().
		WithAuth(auth).
		WithAudit(extensions.NewSlogAuditLogger(slog.Default()))
	metrics := observability.NewChatMetrics(deps.registry)
	defaults := liveDefaults(deps.live)
	resolver := backends.NewResolver(deps.db, deps.sealer)
	client := llm.NewOpenAICompatibleClient(
		llm.WithRequestTimeout(cfg.LLM.RequestTimeout),
		llm.WithTemperature(cfg.LLM.Temperature),
	)

	runner := jobs.NewRunner(jobs.Config{
		Workers:       cfg.Jobs.Workers,
		QueueSize:     cfg.Jobs.QueueSize,
		RatePerSecond: cfg.Jobs.RatePerSecond,
		JobTimeout:    cfg.Jobs.JobTimeout,
	}, deps.journal)
	extractor := memory.NewExtractor(deps.db, resolver, client, defaults)
	runner.Handle(memory.JobKind, extractor.Handle)
	runner.SetObserver(func(kind, outcome string) {
		if kind == memory.JobKind {
			metrics.RecordMemoryJob(outcome)
		}
	})

	orchestrator := turn.NewOrchestrator(turn.Deps{
		Store:    deps.db,
		Resolver: resolver,
		Client:   client,
		Assembler: conversation.NewAssembler(conversation.AssemblerConfig{
			HistoryWindow:     cfg.Context.HistoryWindow,
			MemoryLimit:       cfg.Context.MemoryLimit,
			DocumentCharLimit: cfg.Context.DocumentCharLimit,
		}),
		Defaults: defaults,
		Jobs:     runner,
		Scanner:  policy,
		Audit:    opts.AuditLogger,
		Metrics:  metrics,
	})

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, routes.Deps{
		Chat:    handlers.NewChatHandler(handlers.OrchestratorStarter(orchestrator), metrics),
		DB:      deps.db,
		Auth:    opts.AuthProvider,
		Metrics: deps.metricsHandler,
	})

	return &app{router: router, runner: runner}, nil
}

// authProvider uses static tokens when any are configured and the single
// local user otherwise.
func authProvider(cfg config.AuthConfig) (extensions.AuthProvider, error) {
	if len(cfg.Tokens) == 0 {
		slog.Warn("No auth tokens configured; every request runs as the local user")
		return &extensions.NopAuthProvider{}, nil
	}
	return extensions.NewStaticTokenAuthProvider(cfg.Tokens)
}

func liveDefaults(live *config.Live) backends.DefaultsSource {
	return func() backends.Defaults {
		c := live.Get().LLM
		return backends.Defaults{
			Fallback: datatypes.BackendConfig{
				BaseURL: c.Fallback.BaseURL,
				APIKey:  c.Fallback.APIKey,
				OrgID:   c.Fallback.OrgID,
			},
			Model: c.DefaultModel,
		}
	}
}

// =============================================================================
// Serve
// =============================================================================

// runServe starts the server and blocks until ctx is cancelled (SIGINT or
// SIGTERM), then shuts down in order: HTTP server, job runner, telemetry,
// store, secrets.
func runServe(ctx context.Context, configPath string) error {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Install()
	if logger.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricsExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	master, err := cfg.MasterKeyBytes()
	if err != nil {
		return err
	}
	keyCache := backends.NewEnclaveKeyCache(cfg.Security.KeyCacheTTL)
	defer memguard.Purge()
	defer keyCache.Purge()
	sealer, err := backends.NewSealer(master, keyCache, sealerConfig(cfg))
	if err != nil {
		return err
	}

	var journal jobs.Journal = jobs.NopJournal{}
	if cfg.Jobs.JournalDir != "" {
		bj, err := jobs.OpenBadgerJournal(cfg.Jobs.JournalDir, cfg.Jobs.JournalTTL)
		if err != nil {
			return err
		}
		defer bj.Close()
		journal = bj
	}

	live := config.NewLive(cfg)
	application, err := buildApp(appDeps{
		live:     live,
		db:       db,
		sealer:   sealer,
		journal:  journal,
		registry: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, 0, func(next config.Config) {
		live.Store(next)
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			slog.Warn("Config reload: bad log level", "error", err)
		}
	})
	if err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	if err := application.runner.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           application.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting ExpertChat", "port", cfg.Server.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = application.runner.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := application.runner.Stop(sctx); err != nil {
		slog.Error("Job runner shutdown failed", "error", err)
	}
	return nil
}
