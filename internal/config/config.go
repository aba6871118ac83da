package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "pacer.db"
	defaultHeartbeatInterval = 30 * time.Second
	defaultScanInterval      = time.Second
	defaultQueueLimit        = 10
	defaultEnvLimit          = 100
	defaultMaxAttempts       = 1

	envListenAddr        = "PACER_LISTEN_ADDR"
	envDBPath            = "PACER_DB_PATH"
	envLogLevel          = "PACER_LOG_LEVEL"
	envHeartbeatInterval = "PACER_HEARTBEAT_INTERVAL"
	envScanInterval      = "PACER_SCAN_INTERVAL"
	envQueueLimit        = "PACER_DEFAULT_QUEUE_CONCURRENCY"
	envEnvLimit          = "PACER_DEFAULT_ENV_CONCURRENCY"
	envMaxAttempts       = "PACER_DEFAULT_MAX_ATTEMPTS"
	envReconcileCron     = "PACER_RECONCILE_CRON"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr        string
	DBPath            string
	LogLevel          slog.Level
	HeartbeatInterval time.Duration
	ScanInterval      time.Duration
	QueueLimit        int
	EnvLimit          int
	MaxAttempts       int
	ReconcileCron     string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory overlays missing
// variables without overriding ones already set.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		HeartbeatInterval: defaultHeartbeatInterval,
		ScanInterval:      defaultScanInterval,
		QueueLimit:        defaultQueueLimit,
		EnvLimit:          defaultEnvLimit,
		MaxAttempts:       defaultMaxAttempts,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envHeartbeatInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv(envScanInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ScanInterval = d
		}
	}
	if v := os.Getenv(envQueueLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueLimit = n
		}
	}
	if v := os.Getenv(envEnvLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EnvLimit = n
		}
	}
	if v := os.Getenv(envMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	cfg.ReconcileCron = os.Getenv(envReconcileCron)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
