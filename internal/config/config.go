package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/okettl/taskpilot/internal/browserpool"
)

// Config contains all runtime settings for the task orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	StreamPollInterval time.Duration
	ApprovalTimeout    time.Duration
	EventHistoryLimit  int

	// BrowserEndpoints is the statically configured candidate list handed to
	// acquire calls that do not supply their own.
	BrowserEndpoints []browserpool.Endpoint

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "taskpilot"),
		AllowAnyOrigin:     false,
		ShutdownTimeout:    15 * time.Second,
		StreamPollInterval: 2 * time.Second,
		// 0 preserves the unbounded approval wait; a task stop or a client
		// disconnect is then the only way to resolve an unanswered request.
		ApprovalTimeout:   0,
		EventHistoryLimit: 512,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamPollInterval, err = durationFromEnv("APP_STREAM_POLL_INTERVAL", cfg.StreamPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ApprovalTimeout, err = durationFromEnv("APP_APPROVAL_TIMEOUT", cfg.ApprovalTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EventHistoryLimit, err = intFromEnv("APP_EVENT_HISTORY_LIMIT", cfg.EventHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.BrowserEndpoints, err = endpointsFromEnv("BROWSER_PORTS")
	if err != nil {
		return Config{}, err
	}

	if cfg.StreamPollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_STREAM_POLL_INTERVAL must be at least 100ms")
	}
	if cfg.ApprovalTimeout < 0 {
		return Config{}, fmt.Errorf("APP_APPROVAL_TIMEOUT must be >= 0")
	}
	if cfg.EventHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("APP_EVENT_HISTORY_LIMIT must be positive")
	}

	return cfg, nil
}

// endpointsFromEnv parses a comma-separated port list. A port suffixed with
// ":external" marks an endpoint outside the local browser fleet, e.g.
// "9222,9223,9333:external".
func endpointsFromEnv(key string) ([]browserpool.Endpoint, error) {
	raw := stringsTrimSpace(key)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]browserpool.Endpoint, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		external := false
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			if strings.ToLower(strings.TrimSpace(part[idx+1:])) != "external" {
				return nil, fmt.Errorf("%s parse error: unknown endpoint flag in %q", key, part)
			}
			external = true
			part = part[:idx]
		}
		port, err := strconv.Atoi(part)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%s parse error: invalid port %q", key, part)
		}
		out = append(out, browserpool.Endpoint{Port: port, External: external})
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
