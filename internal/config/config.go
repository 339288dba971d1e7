package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the warden service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	DatabaseURL string

	OpenClawGatewayURL   string
	OpenClawGatewayToken string
	GatewayCallTimeout   time.Duration

	AckTimeout time.Duration

	ReconcileInterval       time.Duration
	ReconcileHiddenInterval time.Duration
	PlanningPollInterval    time.Duration
	PollMaxBackoff          time.Duration
	PollBackoffMultiplier   float64
	PollJitterRatio         float64
	ReconcileEnabled        bool
	PlanningPollEnabled     bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "warden"),
		DatabaseURL:             envTrimmed("DATABASE_URL"),
		OpenClawGatewayURL:      envOrDefault("OPENCLAW_GATEWAY_URL", "ws://127.0.0.1:18789"),
		OpenClawGatewayToken:    envTrimmed("OPENCLAW_GATEWAY_TOKEN"),
		GatewayCallTimeout:      15 * time.Second,
		AckTimeout:              5 * time.Minute,
		ReconcileInterval:       30 * time.Second,
		ReconcileHiddenInterval: 2 * time.Minute,
		PlanningPollInterval:    10 * time.Second,
		PollMaxBackoff:          5 * time.Minute,
		PollBackoffMultiplier:   2,
		PollJitterRatio:         0.1,
		ReconcileEnabled:        true,
		PlanningPollEnabled:     true,
		ShutdownTimeout:         15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GatewayCallTimeout, err = durationFromEnv("OPENCLAW_CALL_TIMEOUT", cfg.GatewayCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AckTimeout, err = durationFromEnv("WARDEN_ACK_TIMEOUT", cfg.AckTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileInterval, err = durationFromEnv("WARDEN_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileHiddenInterval, err = durationFromEnv("WARDEN_RECONCILE_HIDDEN_INTERVAL", cfg.ReconcileHiddenInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PlanningPollInterval, err = durationFromEnv("WARDEN_PLANNING_POLL_INTERVAL", cfg.PlanningPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PollMaxBackoff, err = durationFromEnv("WARDEN_POLL_MAX_BACKOFF", cfg.PollMaxBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.PollBackoffMultiplier, err = floatFromEnv("WARDEN_POLL_BACKOFF_MULTIPLIER", cfg.PollBackoffMultiplier)
	if err != nil {
		return Config{}, err
	}
	cfg.PollJitterRatio, err = floatFromEnv("WARDEN_POLL_JITTER_RATIO", cfg.PollJitterRatio)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileEnabled, err = boolFromEnv("WARDEN_RECONCILE_ENABLED", cfg.ReconcileEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.PlanningPollEnabled, err = boolFromEnv("WARDEN_PLANNING_POLL_ENABLED", cfg.PlanningPollEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.AckTimeout < 10*time.Second {
		return Config{}, fmt.Errorf("WARDEN_ACK_TIMEOUT must be at least 10s")
	}
	if cfg.ReconcileInterval < time.Second {
		return Config{}, fmt.Errorf("WARDEN_RECONCILE_INTERVAL must be at least 1s")
	}
	if cfg.PollBackoffMultiplier < 1 {
		return Config{}, fmt.Errorf("WARDEN_POLL_BACKOFF_MULTIPLIER must be >= 1")
	}
	if cfg.PollJitterRatio < 0 || cfg.PollJitterRatio >= 1 {
		return Config{}, fmt.Errorf("WARDEN_POLL_JITTER_RATIO must be in [0, 1)")
	}
	if cfg.PollMaxBackoff < cfg.ReconcileInterval {
		return Config{}, fmt.Errorf("WARDEN_POLL_MAX_BACKOFF must be >= WARDEN_RECONCILE_INTERVAL")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
