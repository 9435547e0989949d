// Package config содержит логику чтения конфигурации сервиса книжного магазина.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса книжного магазина.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	AuthSecretKey    string `env:"AUTH_SECRET_KEY"`
	MaxLoyaltyPoints int    `env:"MAX_LOYALTY_POINTS"`
	AdminUsername    string `env:"ADMIN_USERNAME"`
	AdminPassword    string `env:"ADMIN_PASSWORD"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecretKey := cfg.AuthSecretKey
	envMaxLoyaltyPoints := cfg.MaxLoyaltyPoints
	envAdminUsername := cfg.AdminUsername

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecretKey, "s", "", "secret key for signing auth tokens")
	flag.IntVar(&cfg.MaxLoyaltyPoints, "m", 10, "loyalty points required for a free book")
	flag.StringVar(&cfg.AdminUsername, "u", "admin", "username of the bootstrap admin account")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecretKey != "" {
		cfg.AuthSecretKey = envAuthSecretKey
	}
	if envMaxLoyaltyPoints != 0 {
		cfg.MaxLoyaltyPoints = envMaxLoyaltyPoints
	}
	if envAdminUsername != "" {
		cfg.AdminUsername = envAdminUsername
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.MaxLoyaltyPoints <= 0 {
		return nil, fmt.Errorf("max loyalty points must be positive, got %d", cfg.MaxLoyaltyPoints)
	}

	return cfg, nil
}
