package utils

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type LoggingConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Format      string `env:"LOG_FORMAT" envDefault:"text"`
	FluentdAddr string `env:"FLUENTD_ADDR"`
	FluentdTag  string `env:"FLUENTD_TAG" envDefault:"hades"`
}

type TracingConfig struct {
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	Insecure     bool   `env:"OTLP_INSECURE" envDefault:"true"`
}

// LoadConfig loads an optional .env file and parses the environment into cfg.
func LoadConfig(cfg any) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment variables: %w", err)
	}

	slog.Debug("Config loaded", "config", fmt.Sprintf("%+v", cfg))
	return nil
}

// ParseMemoryLimit converts a limit such as "512M" or "2G" into bytes.
func ParseMemoryLimit(limit string) (int64, error) {
	if len(limit) < 2 {
		return 0, fmt.Errorf("invalid memory limit format: %q", limit)
	}

	unit := limit[len(limit)-1:]
	number := limit[:len(limit)-1]
	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", number, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("memory limit cannot be negative: %s", limit)
	}

	switch strings.ToUpper(unit) {
	case "G":
		return value * 1024 * 1024 * 1024, nil
	case "M":
		return value * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("unsupported memory unit: %s", unit)
	}
}
