package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/api"
	"github.com/hugh/tollgate/internal/api/handlers"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/database"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/lockout"
	"github.com/hugh/tollgate/internal/metrics"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/config"
	"github.com/hugh/tollgate/pkg/crypto"
	"github.com/hugh/tollgate/pkg/queue"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
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

	logger.Info("starting tollgate server",
		"env", cfg.Server.Env,
		"addr", cfg.Server.Addr(),
	)

	// Connect to database
	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		if cfg.Lockout.Store == "redis" {
			logger.Error("redis is required by LOCKOUT_STORE=redis", "error", err)
			os.Exit(1)
		}
		logger.Warn("failed to connect to Redis", "error", err)
		redisClient = nil
	}

	// Usage exports are queued only when an archive destination exists
	var taskQueue handlers.Enqueuer
	if redisClient != nil && cfg.Archive.Provider != "none" {
		client := queue.NewClient(&cfg.Redis)
		defer client.Close()
		taskQueue = client
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Login guard
	var lockStore lockout.Store
	switch cfg.Lockout.Store {
	case "redis":
		lockStore = lockout.NewRedisStore(redisClient, cfg.Usage.StoreTimeout())
	default:
		lockStore = lockout.NewGormStore(db, cfg.Usage.StoreTimeout())
	}
	lockGuard := lockout.NewGuard(lockStore, cfg.Lockout.MaxAttempts, cfg.Lockout.Duration(), logger)

	// Initialize services
	plans, err := usage.NewPlans(cfg.Usage.DefaultAllotment, cfg.Usage.WarningThreshold, cfg.Usage.RolloverCron)
	if err != nil {
		logger.Error("invalid usage configuration", "error", err)
		os.Exit(1)
	}
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry())
	authService := auth.NewService(db, jwtService, lockGuard, plans, logger)

	periods, err := usage.NewPeriods(cfg.Usage.RolloverCron)
	if err != nil {
		logger.Error("invalid usage configuration", "error", err)
		os.Exit(1)
	}

	dir := access.NewGormDirectory(db, cfg.Usage.StoreTimeout())
	evaluator := access.NewEvaluator(dir)
	meter := usage.NewMeter(
		usage.NewGormStore(db, cfg.Usage.StoreTimeout()).WithPeriods(periods),
		usage.DefaultPricing(),
		logger,
		usage.WithRecorder(m),
		usage.WithDefaultThreshold(cfg.Usage.WarningThreshold),
	)

	// Client addresses are only recorded when they can be encrypted
	var encryptor *crypto.Encryptor
	if cfg.Encryption.Key != "" {
		encryptor, err = crypto.NewEncryptor(cfg.Encryption.Key)
		if err != nil {
			logger.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("ENCRYPTION_KEY not set, client addresses will not be recorded with usage events")
	}

	// Create router
	router := api.NewRouter(api.RouterConfig{
		DB:             db,
		Redis:          redisClient,
		Logger:         logger,
		Metrics:        m,
		JWTService:     jwtService,
		AuthService:    authService,
		Directory:      dir,
		Evaluator:      evaluator,
		Memberships:    access.NewMembershipService(db, logger),
		Guard:          guard.New(dir, evaluator, meter, logger),
		Pricing:        meter.Pricing(),
		Reporter:       usage.NewReporter(db),
		Encryptor:      encryptor,
		Queue:          taskQueue,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitReqs:  cfg.RateLimit.Requests,
		RateLimitSecs:  cfg.RateLimit.WindowSeconds,
		LoginRateLimit: cfg.RateLimit.LoginRequests,
		SecureCookies:  !cfg.Server.IsDevelopment(),
		TokenTTL:       cfg.JWT.Expiry(),
	})
	defer router.Close()

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Close Redis connection
	if redisClient != nil {
		redisClient.Close()
	}

	// Close database connection
	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("server stopped")
}
