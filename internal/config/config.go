// Package config содержит логику чтения конфигурации сервиса leadtokens.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса leadtokens.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	BillingAPIURL string `env:"BILLING_API_URL"`
	BillingAPIKey string `env:"BILLING_API_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBillingURL := cfg.BillingAPIURL
	envBillingKey := cfg.BillingAPIKey
	envWebhookSecret := cfg.WebhookSecret
	envAllowedOrigin := cfg.AllowedOrigin

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BillingAPIURL, "b", "", "billing processor API base URL")
	flag.StringVar(&cfg.BillingAPIKey, "k", "", "billing processor API key")
	flag.StringVar(&cfg.WebhookSecret, "s", "", "webhook signature secret (check skipped if empty)")
	flag.StringVar(&cfg.AllowedOrigin, "o", "", "allowed CORS origin")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBillingURL != "" {
		cfg.BillingAPIURL = envBillingURL
	}
	if envBillingKey != "" {
		cfg.BillingAPIKey = envBillingKey
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}
	if envAllowedOrigin != "" {
		cfg.AllowedOrigin = envAllowedOrigin
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
