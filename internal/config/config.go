// Package config содержит логику чтения конфигурации сервиса выдачи литературы.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/circulation"
	"github.com/mmeshcher/library-circulation/internal/fine"
	"github.com/mmeshcher/library-circulation/internal/gateway"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	SeedFile    string `env:"SEED_FILE"`

	GatewayAddress   string        `env:"GATEWAY_ADDRESS"`
	GatewayKeyID     string        `env:"GATEWAY_KEY_ID"`
	GatewayKeySecret string        `env:"GATEWAY_KEY_SECRET"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT"`
	Currency         string        `env:"CURRENCY"`

	DailyFineRate     decimal.Decimal `env:"DAILY_FINE_RATE"`
	LoanPeriod        time.Duration   `env:"LOAN_PERIOD"`
	AllowDirectReturn bool            `env:"ALLOW_DIRECT_RETURN"`

	AuthSecret  string `env:"AUTH_SECRET"`
	SMTPAddress string `env:"SMTP_ADDRESS"`
	MailFrom    string `env:"MAIL_FROM"`

	// Учётные данные SMTP задаются только через окружение.
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	FineSchedule      string `env:"FINE_SCHEDULE"`
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE"`
	ReminderSchedule  string `env:"REMINDER_SCHEDULE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Заданная переменная окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage if empty")
	flag.StringVar(&cfg.SeedFile, "seed", "", "JSON file with borrowers and catalog for in-memory storage")

	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.GatewayKeyID, "k", "", "payment gateway key id")
	flag.StringVar(&cfg.GatewayKeySecret, "s", "", "payment gateway key secret")
	flag.DurationVar(&cfg.GatewayTimeout, "t", gateway.DefaultTimeout, "payment gateway call timeout")
	flag.StringVar(&cfg.Currency, "c", "INR", "payment currency")

	flag.TextVar(&cfg.DailyFineRate, "f", fine.DefaultDailyRate, "fine per overdue day")
	flag.DurationVar(&cfg.LoanPeriod, "l", circulation.DefaultLoanPeriod, "loan period")
	flag.BoolVar(&cfg.AllowDirectReturn, "direct-return", true, "allow confirming return without a return request")

	flag.StringVar(&cfg.AuthSecret, "auth-secret", "", "secret key of the identity cookie")
	flag.StringVar(&cfg.SMTPAddress, "smtp", "", "SMTP server address, notifications are logged if empty")
	flag.StringVar(&cfg.MailFrom, "mail-from", "library@localhost", "sender address of notifications")

	flag.StringVar(&cfg.FineSchedule, "fine-schedule", "@hourly", "cron schedule of unpaid dues refresh")
	flag.StringVar(&cfg.ReconcileSchedule, "reconcile-schedule", "@every 1m", "cron schedule of gateway payments reconciliation")
	flag.StringVar(&cfg.ReminderSchedule, "reminder-schedule", "@daily", "cron schedule of overdue loan reminders, disabled if empty")

	flag.Parse()

	// env.Parse меняет только поля, для которых задана переменная окружения.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LoanPeriod <= 0 {
		return errors.New("loan period must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("gateway timeout must be positive")
	}
	if c.DailyFineRate.IsNegative() {
		return errors.New("daily fine rate must not be negative")
	}
	return nil
}
