// Package config содержит логику чтения конфигурации платёжного движка.
package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ErrNoWebhookSecret возвращается, если не задан секрет проверки подписи
// уведомлений шлюза. Без него обработка уведомлений невозможна, поэтому
// это фатальная ошибка запуска, а не ошибка отдельного запроса.
var ErrNoWebhookSecret = errors.New("gateway webhook secret is not configured")

// Config содержит параметры конфигурации платёжного движка.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	GatewayAddress       string `env:"GATEWAY_ADDRESS"`
	GatewayWebhookSecret string `env:"GATEWAY_WEBHOOK_SECRET"`
	MailerAddress        string `env:"MAILER_ADDRESS"`
	SchedulerToken       string `env:"SCHEDULER_TOKEN"`
	SuccessURL           string `env:"CHECKOUT_SUCCESS_URL"`
	CancelURL            string `env:"CHECKOUT_CANCEL_URL"`
	EventRetentionDays   int    `env:"EVENT_RETENTION_DAYS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envMailerAddress := cfg.MailerAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.MailerAddress, "m", "", "mail delivery service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envMailerAddress != "" {
		cfg.MailerAddress = envMailerAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.EventRetentionDays <= 0 {
		cfg.EventRetentionDays = 30
	}

	if cfg.GatewayWebhookSecret == "" {
		return nil, ErrNoWebhookSecret
	}

	return cfg, nil
}
