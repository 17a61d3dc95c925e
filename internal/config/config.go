package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ストレージドライバー
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// defaultDotEnvPath はLoadが読み込む.envファイルの既定パス。
const defaultDotEnvPath = ".env"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`

	// Identity provider (Firebase Authentication)
	FirebaseAPIKey   string        `env:"FIREBASE_API_KEY"`
	IdentityEndpoint string        `env:"IDENTITY_ENDPOINT"`
	IdentityTimeout  time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"10s"`

	// View Binder
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`

	// Browser cookie
	BrowserCookieMaxAge time.Duration `env:"BROWSER_COOKIE_MAX_AGE" envDefault:"8760h"`
	CookieSecure        bool          `env:"COOKIE_SECURE" envDefault:"false"`
	CookieDomain        string        `env:"COOKIE_DOMAIN"`

	// Rate Limit (req/min)
	RateLimitGeneral     int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitLinkRequest int `env:"RATE_LIMIT_LINK_REQUEST" envDefault:"5"`

	// Cleanup
	StorageRetentionDays int    `env:"STORAGE_RETENTION_DAYS" envDefault:"30"`
	CleanupSchedule      string `env:"CLEANUP_SCHEDULE" envDefault:"@daily"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort        string `env:"SERVER_PORT" envDefault:"8080"`
	WorkerMetricsPort string `env:"WORKER_METRICS_PORT" envDefault:"9090"`
	BaseURL           string `env:"BASE_URL"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// .envの値は既に設定済みの環境変数を上書きしない。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load(dotEnvPaths ...string) (*Config, error) {
	if len(dotEnvPaths) == 0 {
		dotEnvPaths = []string{defaultDotEnvPath}
	}
	for _, path := range dotEnvPaths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Required fields
	var missing []string

	if cfg.FirebaseAPIKey == "" {
		missing = append(missing, "FIREBASE_API_KEY")
	}
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if cfg.StorageDriver == StorageDriverPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q",
			StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.StorageRetentionDays <= 0 {
		return fmt.Errorf("STORAGE_RETENTION_DAYS must be positive, got %d", c.StorageRetentionDays)
	}
	return nil
}
