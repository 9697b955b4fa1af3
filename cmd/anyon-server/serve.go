package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anyon/anyon/internal/agent/credentials"
	"github.com/anyon/anyon/internal/agent/docker"
	"github.com/anyon/anyon/internal/agent/lifecycle"
	"github.com/anyon/anyon/internal/agent/registry"
	"github.com/anyon/anyon/internal/agent/session"
	"github.com/anyon/anyon/internal/analytics"
	"github.com/anyon/anyon/internal/approvals"
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/httpmw"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/common/tracing"
	"github.com/anyon/anyon/internal/db"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/orchestrator"
	orchestratorapi "github.com/anyon/anyon/internal/orchestrator/api"
	"github.com/anyon/anyon/internal/orchestrator/streaming"
	taskapi "github.com/anyon/anyon/internal/task/api"
	"github.com/anyon/anyon/internal/task/repository"
)

const (
	serverName      = "anyon-server"
	shutdownTimeout = 30 * time.Second

	// credentialPrefix marks server env vars forwarded into containers with the prefix stripped
	credentialPrefix = "ANYON_AGENT_"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts.configDir)
		},
	}
}

// runServer serves the API until ctx is cancelled.
func runServer(ctx context.Context, configDir string) error {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting anyon server...")

	// 3. Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()
	log.Info("Tracing configured", zap.Bool("enabled", tracing.Enabled()))

	// 4. Open the database
	pool, closeDB, err := db.Provide(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDB(); err != nil {
			log.Warn("database close error", zap.Error(err))
		}
	}()

	// 5. Repository, failing processes orphaned by a previous run
	repo, closeRepo, err := repository.Provide(ctx, pool, log)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer func() { _ = closeRepo() }()

	// 6. Event bus (NATS when configured, in-memory otherwise)
	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// 7. Executor profiles
	profiles, _, err := registry.Provide(cfg.Executor, log)
	if err != nil {
		return fmt.Errorf("failed to load executor profiles: %w", err)
	}
	log.Info("Loaded executor profiles", zap.Strings("executors", profiles.List()))

	// 8. Spawner
	spawner, stopSpawner, err := provideSpawner(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stopSpawner()

	// 9. Executor session registry
	sessions := session.NewRegistry(repo, log)

	// 10. Container service
	registerer := prometheus.NewRegistry()
	registerer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := orchestrator.MustNewMetrics(registerer)

	executions := lifecycle.NewManager(repo, spawner, profiles, sessions, eventBus, cfg.Executor, log)
	executions.SetObserver(metrics)

	// 11. Approval gate
	gate := approvals.NewService(repo, eventBus, log)
	executions.SetApprovalGate(gate)

	// 12. Analytics, recorded by one member of the recorder queue group
	tracker := analytics.Provide(cfg.Analytics, eventBus, log)
	stopRecorder, err := analytics.ProvideRecorder(cfg.Analytics, eventBus, registerer, log)
	if err != nil {
		return err
	}
	defer stopRecorder()

	// 13. Orchestrator
	orchestratorSvc := orchestrator.NewService(repo, gate, executions, sessions, tracker, eventBus, metrics, cfg.Orchestrator, log)

	// 14. HTTP and live stream
	hub := streaming.NewHub(log)
	streamSubs, err := hub.Forward(eventBus)
	if err != nil {
		return fmt.Errorf("failed to subscribe stream hub: %w", err)
	}
	defer func() {
		for _, sub := range streamSubs {
			_ = sub.Unsubscribe()
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.ErrorHandler(log))

	orchestratorapi.SetupOperationalRoutes(router, registerer, eventBus, log)
	apiV1 := router.Group("/api/v1")
	taskapi.SetupRoutes(apiV1, orchestratorSvc, repo, log)
	orchestratorapi.SetupRoutes(apiV1, orchestratorSvc, log)
	streaming.SetupRoutes(apiV1, streaming.NewWSHandler(hub, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down anyon server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := executions.Stop(shutdownCtx); err != nil {
			log.Error("container service stop error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("anyon server stopped")
	return nil
}

// provideSpawner builds the configured spawner. The returned stop function
// releases whatever the spawner holds.
func provideSpawner(ctx context.Context, cfg *config.Config, log *logger.Logger) (lifecycle.Spawner, func(), error) {
	if cfg.Executor.Spawner != config.SpawnerDocker {
		log.Info("Using local process spawner", zap.String("workspace_root", cfg.Executor.WorkspaceRoot))
		return lifecycle.NewLocalSpawner(cfg.Executor.KillGracePeriodDuration(), log), func() {}, nil
	}

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Docker client: %w", err)
	}
	if err := dockerClient.Ping(ctx); err != nil {
		_ = dockerClient.Close()
		return nil, nil, fmt.Errorf("docker daemon not available: %w", err)
	}
	log.Info("Connected to Docker daemon")

	creds := credentials.NewEnvProvider(credentialPrefix)
	spawner := lifecycle.NewDockerSpawner(dockerClient, cfg.Docker, cfg.Executor, log)
	spawner.SetCredentials(creds)
	log.Info("Forwarding agent credentials into containers", zap.Strings("keys", creds.Keys()))
	if err := spawner.Start(ctx); err != nil {
		_ = dockerClient.Close()
		return nil, nil, fmt.Errorf("failed to start docker spawner: %w", err)
	}
	return spawner, func() {
		_ = spawner.Stop()
		_ = dockerClient.Close()
	}, nil
}
