package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/strata/internal/api/handlers"
	"github.com/cloo-solutions/strata/internal/api/middleware"
	"github.com/cloo-solutions/strata/internal/database"
	"github.com/cloo-solutions/strata/internal/jobs"
	"github.com/cloo-solutions/strata/internal/server"
	"github.com/cloo-solutions/strata/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the strata API server and its background workers (tiering, embedding backfill, retention)",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides STRATA_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sampleRate := 0.1
	if cfg.Environment == "development" {
		sampleRate = 1.0
	}
	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	}, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTelemetry()
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	if noMigrate, _ := cmd.Flags().GetBool("no-migrate"); !noMigrate {
		if err := database.Migrate(cfg.DatabaseURL, cfg.MigrationsPath, database.MigrateUp, logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	workers := []*jobs.Worker{
		jobs.NewWorker("tiering", app.Tiering, cfg.Tiering.SweepInterval, logger),
	}
	if cfg.Sessions.Retention > 0 {
		workers = append(workers, jobs.NewWorker("retention",
			jobs.NewRetentionWorker(app.Conversation, time.Minute), cfg.Sessions.SweepInterval, logger))
	}
	if app.Embeddings != nil {
		workers = append(workers, jobs.NewWorker("embedding",
			jobs.NewEmbeddingWorker(app.EmbJobs, app.Embeddings, logger), cfg.EmbeddingPollInterval, logger))
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go app.Tiering.Run(workerCtx)
	for _, w := range workers {
		logger.Debug("starting worker", zap.String("worker", w.Name()))
		go w.Start(workerCtx)
	}

	if cfg.AdminToken == "" {
		logger.Warn("STRATA_ADMIN_TOKEN is not set: admin routes will reject every request")
	}

	router := server.NewRouter(server.RouterConfig{
		Logger:          logger,
		AdminValidator:  middleware.StaticToken(cfg.AdminToken),
		ProcessHandler:  handlers.NewProcessHandler(app.Pipeline),
		DocumentHandler: handlers.NewDocumentHandler(app.Ingestion),
		ItemHandler:     handlers.NewItemHandler(app.Store),
		SessionHandler:  handlers.NewSessionHandler(app.Conversation),
		AdminHandler:    handlers.NewAdminHandler(app.Cache, app.Tiering),
		Metrics:         app.Metrics.Handler(),
		HealthChecks: map[string]server.HealthCheck{
			"postgres": app.Pool.Ping,
			"redis":    func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() },
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serverErr:
		logger.Error("server failed", zap.Error(runErr))
		telemetry.CaptureError(ctx, runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	for _, w := range workers {
		w.Stop()
	}
	cancelWorkers()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	logger.Info("server exited")
	return runErr
}
