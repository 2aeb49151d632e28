package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	RateLimit  RateLimitConfig
	Lockout    LockoutConfig
	Usage      UsageConfig
	Archive    ArchiveConfig
	Worker     WorkerConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	Env            string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	// AutoMigrate runs gorm AutoMigrate at server start
	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type EncryptionConfig struct {
	Key string
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
	LoginRequests int
}

// LockoutConfig controls the login attempt guard.
type LockoutConfig struct {
	MaxAttempts     int
	DurationMinutes int
	Store           string // database or redis
}

// UsageConfig controls credit metering.
type UsageConfig struct {
	WarningThreshold float64
	DefaultAllotment int64
	RolloverCron     string
	StoreTimeoutMs   int
}

// ArchiveConfig selects where usage events are exported.
type ArchiveConfig struct {
	Provider           string // none, s3, gcs
	Bucket             string
	Prefix             string
	Encrypt            bool
	Cron               string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3Endpoint         string // optional, for S3-compatible stores
	GCSCredentialsFile string
}

// WorkerConfig controls the background job process.
type WorkerConfig struct {
	Concurrency int
	MetricsAddr string
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (j *JWTConfig) Expiry() time.Duration {
	return time.Duration(j.ExpiryHours) * time.Hour
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

func (l *LockoutConfig) Duration() time.Duration {
	return time.Duration(l.DurationMinutes) * time.Minute
}

func (u *UsageConfig) StoreTimeout() time.Duration {
	return time.Duration(u.StoreTimeoutMs) * time.Millisecond
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_ENV", "development")
	v.SetDefault("SERVER_ALLOWED_ORIGINS", "")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "tollgate")
	v.SetDefault("DATABASE_PASSWORD", "tollgate_secret")
	v.SetDefault("DATABASE_NAME", "tollgate")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_AUTO_MIGRATE", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("JWT_EXPIRY_HOURS", 24)
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_LOGIN_REQUESTS", 10)
	v.SetDefault("LOCKOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_DURATION_MINUTES", 15)
	v.SetDefault("LOCKOUT_STORE", "database")
	v.SetDefault("USAGE_WARNING_THRESHOLD", 0.9)
	v.SetDefault("USAGE_DEFAULT_ALLOTMENT", 100)
	v.SetDefault("USAGE_ROLLOVER_CRON", "0 0 1 * *")
	v.SetDefault("STORE_TIMEOUT_MS", 2000)
	v.SetDefault("ARCHIVE_PROVIDER", "none")
	v.SetDefault("ARCHIVE_PREFIX", "usage-events")
	v.SetDefault("ARCHIVE_ENCRYPT", false)
	v.SetDefault("ARCHIVE_CRON", "30 0 * * *")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	// Load from .env file if present
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("SERVER_HOST"),
			Port:           v.GetInt("SERVER_PORT"),
			Env:            v.GetString("SERVER_ENV"),
			AllowedOrigins: splitList(v.GetString("SERVER_ALLOWED_ORIGINS")),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("DATABASE_HOST"),
			Port:        v.GetInt("DATABASE_PORT"),
			User:        v.GetString("DATABASE_USER"),
			Password:    v.GetString("DATABASE_PASSWORD"),
			Name:        v.GetString("DATABASE_NAME"),
			SSLMode:     v.GetString("DATABASE_SSLMODE"),
			AutoMigrate: v.GetBool("DATABASE_AUTO_MIGRATE"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
		},
		JWT: JWTConfig{
			Secret:      v.GetString("JWT_SECRET"),
			ExpiryHours: v.GetInt("JWT_EXPIRY_HOURS"),
		},
		Encryption: EncryptionConfig{
			Key: v.GetString("ENCRYPTION_KEY"),
		},
		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
			LoginRequests: v.GetInt("RATE_LIMIT_LOGIN_REQUESTS"),
		},
		Lockout: LockoutConfig{
			MaxAttempts:     v.GetInt("LOCKOUT_MAX_ATTEMPTS"),
			DurationMinutes: v.GetInt("LOCKOUT_DURATION_MINUTES"),
			Store:           v.GetString("LOCKOUT_STORE"),
		},
		Usage: UsageConfig{
			WarningThreshold: v.GetFloat64("USAGE_WARNING_THRESHOLD"),
			DefaultAllotment: v.GetInt64("USAGE_DEFAULT_ALLOTMENT"),
			RolloverCron:     v.GetString("USAGE_ROLLOVER_CRON"),
			StoreTimeoutMs:   v.GetInt("STORE_TIMEOUT_MS"),
		},
		Archive: ArchiveConfig{
			Provider:           v.GetString("ARCHIVE_PROVIDER"),
			Bucket:             v.GetString("ARCHIVE_BUCKET"),
			Prefix:             v.GetString("ARCHIVE_PREFIX"),
			Encrypt:            v.GetBool("ARCHIVE_ENCRYPT"),
			Cron:               v.GetString("ARCHIVE_CRON"),
			AWSRegion:          v.GetString("AWS_REGION"),
			AWSAccessKeyID:     v.GetString("AWS_ACCESS_KEY_ID"),
			AWSSecretAccessKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
			S3Endpoint:         v.GetString("ARCHIVE_S3_ENDPOINT"),
			GCSCredentialsFile: v.GetString("GOOGLE_APPLICATION_CREDENTIALS"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("WORKER_CONCURRENCY"),
			MetricsAddr: v.GetString("WORKER_METRICS_ADDR"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Lockout.MaxAttempts <= 0 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be positive, got %d", c.Lockout.MaxAttempts)
	}
	if c.Lockout.DurationMinutes <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION_MINUTES must be positive, got %d", c.Lockout.DurationMinutes)
	}
	switch c.Lockout.Store {
	case "database", "redis":
	default:
		return fmt.Errorf("unsupported LOCKOUT_STORE %q", c.Lockout.Store)
	}
	if c.Usage.WarningThreshold <= 0 || c.Usage.WarningThreshold > 1 {
		return fmt.Errorf("USAGE_WARNING_THRESHOLD must be in (0, 1], got %v", c.Usage.WarningThreshold)
	}
	if c.Usage.StoreTimeoutMs <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_MS must be positive, got %d", c.Usage.StoreTimeoutMs)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	switch c.Archive.Provider {
	case "none":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("ARCHIVE_BUCKET is required for provider %q", c.Archive.Provider)
		}
		if c.Archive.Encrypt && c.Encryption.Key == "" {
			return fmt.Errorf("ARCHIVE_ENCRYPT requires ENCRYPTION_KEY")
		}
	default:
		return fmt.Errorf("unsupported ARCHIVE_PROVIDER %q", c.Archive.Provider)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
