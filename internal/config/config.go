package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the media-stream gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// PublicWSBase is the scheme+host the carrier should dial; the setup
	// call embeds it in the returned connection address.
	PublicWSBase string

	TokenTTL         time.Duration
	SessionRetention time.Duration
	RecordingDir     string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "streamgate"),
		AllowAnyOrigin:   false,
		PublicWSBase:     envOrDefault("APP_PUBLIC_WS_BASE", "ws://localhost:8080"),
		RecordingDir:     envOrDefault("APP_RECORDING_DIR", "recordings"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		TokenTTL:         5 * time.Minute,
		SessionRetention: time.Hour,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("APP_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenTTL > 0 && cfg.TokenTTL < 10*time.Second {
		return Config{}, fmt.Errorf("APP_TOKEN_TTL must be at least 10s")
	}
	if base := strings.TrimSpace(cfg.PublicWSBase); !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
		return Config{}, fmt.Errorf("APP_PUBLIC_WS_BASE must start with ws:// or wss://")
	}
	if strings.TrimSpace(cfg.RecordingDir) == "" {
		return Config{}, fmt.Errorf("APP_RECORDING_DIR must not be empty")
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
