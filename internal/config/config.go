// Package config содержит логику чтения конфигурации сервиса кредитов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса кредитов.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	QuizSystemAddress string `env:"QUIZ_SYSTEM_ADDRESS"`
	AuthSecret        string `env:"AUTH_SECRET"`
	AdminToken        string `env:"ADMIN_TOKEN"`
	BatchCeiling      int    `env:"BATCH_CEILING" envDefault:"1000"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envQuizAddress := cfg.QuizSystemAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.QuizSystemAddress, "q", "", "quiz system address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envQuizAddress != "" {
		cfg.QuizSystemAddress = envQuizAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.BatchCeiling <= 0 {
		return nil, fmt.Errorf("batch ceiling must be positive, got %d", cfg.BatchCeiling)
	}

	return cfg, nil
}
