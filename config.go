package main

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"arka/pkg/docvalidate"
)

// Config is read from the environment. Defaults cover local development;
// DB_DSN is the only mandatory value.
type Config struct {
	Addr      string `env:"ARKA_ADDR" env-default:":8081"`
	DSN       string `env:"DB_DSN"`
	JWTSecret string `env:"JWT_SECRET" env-default:"dev-insecure-secret-change"`

	MaxDocumentBytes  int64   `env:"MAX_DOCUMENT_BYTES" env-default:"5242880"`
	MaxImageDimension int     `env:"MAX_IMAGE_DIMENSION" env-default:"5000"`
	MaxBytesPerPixel  float64 `env:"MAX_BYTES_PER_PIXEL" env-default:"3.0"`

	KeepaliveInterval time.Duration `env:"DB_KEEPALIVE_INTERVAL" env-default:"1m"`
	DocCleanupDelay   time.Duration `env:"DOC_CLEANUP_DELAY" env-default:"5s"`
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DB_DSN is not set; a Postgres DSN is required")
	}
	if cfg.KeepaliveInterval <= 0 {
		return nil, fmt.Errorf("DB_KEEPALIVE_INTERVAL must be positive, got %s", cfg.KeepaliveInterval)
	}
	return &cfg, nil
}

// DocumentLimits translates the configured caps into validator limits.
func (c *Config) DocumentLimits() docvalidate.Limits {
	return docvalidate.Limits{
		MaxBytes:         c.MaxDocumentBytes,
		MaxDimension:     c.MaxImageDimension,
		MaxBytesPerPixel: c.MaxBytesPerPixel,
	}
}
