// Package config содержит логику чтения конфигурации сервиса журнала начислений.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	PayoutSystemAddress string `env:"PAYOUT_SYSTEM_ADDRESS"`
	MinWithdrawal       int64  `env:"MIN_WITHDRAWAL"`
	TiersFile           string `env:"TIERS_FILE"`
	CallbackSecret      string `env:"CALLBACK_SECRET"`

	CreditTimezone    string        `env:"CREDIT_TIMEZONE" envDefault:"UTC"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	CommissionWorkers int           `env:"COMMISSION_WORKERS" envDefault:"4"`
	CommissionQueue   int           `env:"COMMISSION_QUEUE" envDefault:"1024"`
	ExpirySchedule    string        `env:"EXPIRY_SCHEDULE" envDefault:"5 0 * * *"`
	AuditSchedule     string        `env:"AUDIT_SCHEDULE" envDefault:"@hourly"`
	PayoutInterval    time.Duration `env:"PAYOUT_INTERVAL" envDefault:"1s"`
	RateLimit         float64       `env:"RATE_LIMIT" envDefault:"50"`
	RateBurst         int           `env:"RATE_BURST" envDefault:"100"`

	location *time.Location
}

// Location возвращает часовой пояс дат начислений.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Заданная переменная окружения важнее флага.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PayoutSystemAddress, "r", "", "payout system address")
	flag.Int64Var(&cfg.MinWithdrawal, "m", 50000, "minimum withdrawal in KES cents")
	flag.StringVar(&cfg.TiersFile, "t", "", "membership tiers YAML file")
	flag.StringVar(&cfg.CallbackSecret, "s", "", "payout callback HMAC secret")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MinWithdrawal < 0 {
		return nil, fmt.Errorf("minimum withdrawal must not be negative: %d", cfg.MinWithdrawal)
	}

	loc, err := time.LoadLocation(cfg.CreditTimezone)
	if err != nil {
		return nil, fmt.Errorf("credit timezone %q: %w", cfg.CreditTimezone, err)
	}
	cfg.location = loc

	return cfg, nil
}
