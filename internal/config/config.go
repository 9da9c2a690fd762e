// Package config содержит логику чтения конфигурации сервиса стерносол.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса стерносол.
// Секреты задаются только переменными окружения, без флагов.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	AllowedOrigin       string `env:"ALLOWED_ORIGIN"`
	UploadsDir          string `env:"UPLOADS_DIR"`
	SessionSecret       string `env:"SESSION_SECRET"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAllowedOrigin := cfg.AllowedOrigin
	envUploadsDir := cfg.UploadsDir

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AllowedOrigin, "o", "*", "allowed browser origin for CORS")
	flag.StringVar(&cfg.UploadsDir, "u", "uploads", "directory for uploaded receipts")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAllowedOrigin != "" {
		cfg.AllowedOrigin = envAllowedOrigin
	}
	if envUploadsDir != "" {
		cfg.UploadsDir = envUploadsDir
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.UploadsDir == "" {
		cfg.UploadsDir = "uploads"
	}

	return cfg, nil
}
