package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the batchpilot service.
type Config struct {
	Server   ServerConfig   `envconfig:"BATCHPILOT"`
	Database DatabaseConfig `envconfig:"DATABASE"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Provider ProviderConfig `envconfig:"OPENAI"`
	Batch    BatchConfig    `envconfig:"BATCH"`
	Archive  ArchiveConfig  `envconfig:"S3"`
	Log      LogConfig      `envconfig:"LOG"`
}

type ServerConfig struct {
	Port               int    `envconfig:"PORT" default:"8080"`
	Env                string `envconfig:"ENV" default:"development"`
	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

type DatabaseConfig struct {
	URL             string        `envconfig:"URL"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"5m"`
	MigrationsDir   string        `envconfig:"MIGRATIONS_DIR" default:"migrations"`
}

type RedisConfig struct {
	URL string `envconfig:"URL"`
}

// ProviderConfig configures the OpenAI-compatible Batch API client.
type ProviderConfig struct {
	APIKey           string        `envconfig:"API_KEY"`
	BaseURL          string        `envconfig:"BASE_URL" default:"https://api.openai.com"`
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"60s"`
	CompletionWindow string        `envconfig:"COMPLETION_WINDOW" default:"24h"`
	BreakerThreshold int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// BatchConfig holds the orchestration driver knobs.
type BatchConfig struct {
	PageSize   int           `envconfig:"PAGE_SIZE" default:"100"`
	PollDelay  time.Duration `envconfig:"POLL_DELAY" default:"100ms"`
	Interval   time.Duration `envconfig:"INTERVAL" default:"1m"`
	Workers    int           `envconfig:"WORKERS" default:"1"`
	StaleAfter time.Duration `envconfig:"STALE_AFTER" default:"24h"`
	LockTTL    time.Duration `envconfig:"LOCK_TTL" default:"10m"`
}

// ArchiveConfig configures the optional S3-compatible artifact archive.
// The archive is disabled when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string `envconfig:"ENDPOINT"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	Bucket    string `envconfig:"BUCKET" default:"batchpilot-artifacts"`
	Region    string `envconfig:"REGION" default:"us-east-1"`
	UseSSL    bool   `envconfig:"USE_SSL" default:"false"`
}

func (a ArchiveConfig) Enabled() bool { return a.Endpoint != "" }

type LogConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the slog level for the configured LOG_LEVEL.
func (l LogConfig) SlogLevel() slog.Level {
	if lvl, ok := logLevels[strings.ToLower(l.Level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Load reads configuration from environment variables and returns a validated Config.
// In development a .env file in the working directory is loaded first; variables
// already present in the environment take precedence over it.
func Load() (*Config, error) {
	if env := os.Getenv("BATCHPILOT_ENV"); env == "" || env == "development" {
		if err := godotenv.Load(); err == nil {
			slog.Debug("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.Provider.BaseURL)
	}

	if c.Batch.PageSize < 1 || c.Batch.PageSize > 1000 {
		return fmt.Errorf("BATCH_PAGE_SIZE must be between 1 and 1000, got %d", c.Batch.PageSize)
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be at least 1, got %d", c.Batch.Workers)
	}
	if c.Batch.StaleAfter < time.Hour || c.Batch.StaleAfter > 168*time.Hour {
		return fmt.Errorf("BATCH_STALE_AFTER must be between 1h and 168h, got %s", c.Batch.StaleAfter)
	}
	if c.Batch.PollDelay < 0 {
		return fmt.Errorf("BATCH_POLL_DELAY must not be negative")
	}

	if c.Archive.Enabled() && (c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}

	if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}
