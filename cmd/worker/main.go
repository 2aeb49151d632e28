package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tollgate/internal/archive"
	"github.com/hugh/tollgate/internal/database"
	"github.com/hugh/tollgate/internal/metrics"
	"github.com/hugh/tollgate/internal/tasks"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/config"
	"github.com/hugh/tollgate/pkg/crypto"
	"github.com/hugh/tollgate/pkg/queue"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

func main() {
	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := util.NewLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	logger.Info("starting tollgate worker", "concurrency", cfg.Worker.Concurrency)

	// Connect to database
	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	roller, err := usage.NewRoller(db, cfg.Usage.RolloverCron, logger)
	if err != nil {
		logger.Error("invalid USAGE_ROLLOVER_CRON", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exporter, uploader, err := newExporter(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("failed to configure usage archive", "error", err)
		os.Exit(1)
	}
	if closer, ok := uploader.(io.Closer); ok {
		defer closer.Close()
	}

	// Metrics endpoint
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Create task handler
	handler := tasks.NewHandler(roller, exporter, m, logger)

	// Register handlers
	mux := asynq.NewServeMux()
	handler.RegisterHandlers(mux)

	srv := queue.NewServer(&cfg.Redis, cfg.Worker.Concurrency, logger)
	if err := srv.Start(mux); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	scheduler := queue.NewScheduler(&cfg.Redis, logger)
	if err := tasks.Schedule(scheduler, cfg.Archive.Cron, exporter != nil); err != nil {
		logger.Error("failed to register periodic tasks", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started, waiting for tasks...",
		"rollover", tasks.RolloverSpec,
		"archive", exporter != nil,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	scheduler.Shutdown()
	srv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	// Close database connection
	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("worker stopped")
}

// newExporter returns a nil exporter when no archive provider is configured.
func newExporter(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *slog.Logger) (*archive.Exporter, archive.Uploader, error) {
	uploader, err := archive.NewUploader(ctx, &cfg.Archive)
	if err != nil || uploader == nil {
		return nil, nil, err
	}

	var opts []archive.Option
	if cfg.Archive.Encrypt {
		enc, err := crypto.NewEncryptor(cfg.Encryption.Key)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, archive.WithEncryption(enc))
	}

	logger.Info("usage archive enabled",
		"provider", cfg.Archive.Provider,
		"bucket", cfg.Archive.Bucket,
		"encrypted", cfg.Archive.Encrypt,
	)
	return archive.NewExporter(db, uploader, cfg.Archive.Prefix, logger, opts...), uploader, nil
}
