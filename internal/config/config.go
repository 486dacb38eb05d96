package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	HTTPPort string
	BaseURL  string

	// Shared state
	StateDir string
	Lookback time.Duration

	// Metrics period
	DoraPeriodDays int

	// External forge API (identity, permission, work-item labels)
	ForgeAPIURL  string
	ForgeAuthURL string
	ForgeRepo    string
	ClientID     string
	ClientSecret string
	ServerToken  string
	AllowedPerms []string

	// Remote execution
	SSHUser string

	// Background intervals
	PushInterval    time.Duration
	ReapInterval    time.Duration
	CleanupInterval time.Duration

	// Logging
	LogLevel  slog.Level
	LogFormat string // "json" or "text"

	// Tracing
	OTLPEndpoint  string
	ServiceName   string
	EnableTracing bool
}

func Load() (*Config, error) {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		StateDir:        getEnv("FLEET_STATE_DIR", "/var/lib/fleetdeck"),
		Lookback:        getEnvDuration("EVENT_LOOKBACK", 7*24*time.Hour),
		DoraPeriodDays:  getEnvInt("DORA_PERIOD_DAYS", 7),
		ForgeAPIURL:     getEnv("FORGE_API_URL", "https://api.github.com"),
		ForgeAuthURL:    getEnv("FORGE_AUTH_URL", "https://github.com/login/oauth/access_token"),
		ForgeRepo:       getEnv("FORGE_REPO", ""),
		ClientID:        getEnv("FORGE_CLIENT_ID", ""),
		ClientSecret:    getEnv("FORGE_CLIENT_SECRET", ""),
		ServerToken:     getEnv("FORGE_TOKEN", ""),
		AllowedPerms:    getEnvList("ALLOWED_PERMISSIONS", []string{"admin", "write"}),
		SSHUser:         getEnv("SSH_USER", "fleet"),
		PushInterval:    getEnvDuration("PUSH_INTERVAL", 2*time.Second),
		ReapInterval:    getEnvDuration("REAP_INTERVAL", 5*time.Minute),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 15*time.Minute),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		ServiceName:     getEnv("SERVICE_NAME", "fleetdeck-control"),
		EnableTracing:   getEnvBool("ENABLE_TRACING", false),
	}

	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
