// tenderd is the HTTP API server orchestrating tender scraping jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"tenderd/internal/api"
	"tenderd/internal/artifact"
	"tenderd/internal/config"
	"tenderd/internal/health"
	"tenderd/internal/job"
	"tenderd/internal/keystore"
	"tenderd/internal/notify"
	"tenderd/internal/observability"
)

func main() {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))

	if err := run(cfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger: JSON in production, tint console
// when LOG_FORMAT=console.
func newLogger(cfg *config.ServiceConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	if cfg.LogFormat == "console" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(cfg *config.ServiceConfig) error {
	ctx := context.Background()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the API key store and seed from the environment
	keys, err := keystore.Open(cfg.KeystorePath)
	if err != nil {
		return err
	}
	if len(cfg.SeedKeys) > 0 {
		added, err := keys.Seed(cfg.SeedKeys)
		if err != nil {
			return err
		}
		slog.Info("Seeded API keys", "added", added)
	}

	if cfg.AdminSecret == "" {
		slog.Warn("Key management disabled - no ADMIN_SECRET configured")
	}

	// Webhook notifier for job lifecycle callbacks
	notifier := notify.New(notify.Config{
		BufferSize:  cfg.NotifyBufferSize,
		Workers:     cfg.NotifyWorkers,
		HTTPTimeout: cfg.NotifyHTTPTimeout,
	}, metrics)

	// Optional S3 artifact mirroring
	var uploader artifact.Uploader
	if cfg.ArtifactS3Bucket != "" {
		uploader, err = artifact.NewS3Uploader(ctx, cfg.ArtifactS3Bucket, cfg.ArtifactS3Prefix)
		if err != nil {
			return err
		}
		slog.Info("Artifact S3 mirroring enabled", "bucket", cfg.ArtifactS3Bucket)
	}

	eng := newEngine()

	manager := job.NewManager(job.Config{
		Engine:         eng,
		DataDir:        cfg.DataDir,
		CaptchaTimeout: cfg.CaptchaTimeout,
		Metrics:        metrics,
		Notifier:       notifier,
		Uploader:       uploader,
	})

	healthChecker := health.NewChecker(eng, keys)

	router := api.NewRouter(api.RouterConfig{
		Jobs:          manager,
		Keys:          keys,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		AdminSecret:   cfg.AdminSecret,
	})

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish
	// in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain the webhook notifier
	slog.Info("Draining webhook notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	// A running job holds the execution lock and finishes on its own
	// schedule; its state is lost with the process, the caller resubmits.
	slog.Info("Shutdown complete")
	return nil
}
