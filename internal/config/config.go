package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the routine progress service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	TickInterval     time.Duration
	DriftPolicy      string
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "cadence"),
		DriftPolicy:      envOrDefault("APP_DRIFT_POLICY", "cumulative"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		// Display surfaces refresh on this cadence between user events.
		TickInterval: time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TickInterval, err = durationFromEnv("APP_TICK_INTERVAL", cfg.TickInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.TickInterval < time.Second {
		return Config{}, fmt.Errorf("APP_TICK_INTERVAL must be at least 1s")
	}
	switch cfg.DriftPolicy {
	case "cumulative", "single":
	default:
		return Config{}, fmt.Errorf("APP_DRIFT_POLICY must be cumulative or single, got %q", cfg.DriftPolicy)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
