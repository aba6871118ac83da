package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envListenAddr, envDBPath, envLogLevel, envHeartbeatInterval,
		envScanInterval, envQueueLimit, envEnvLimit, envMaxAttempts,
		envReconcileCron,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.HeartbeatInterval != defaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, defaultHeartbeatInterval)
	}
	if cfg.QueueLimit != defaultQueueLimit || cfg.EnvLimit != defaultEnvLimit {
		t.Errorf("limits = %d/%d, want %d/%d", cfg.QueueLimit, cfg.EnvLimit, defaultQueueLimit, defaultEnvLimit)
	}
	if cfg.ReconcileCron != "" {
		t.Errorf("ReconcileCron = %q, want empty", cfg.ReconcileCron)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/pacer-test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envHeartbeatInterval, "5s")
	t.Setenv(envScanInterval, "250ms")
	t.Setenv(envQueueLimit, "25")
	t.Setenv(envEnvLimit, "300")
	t.Setenv(envMaxAttempts, "3")
	t.Setenv(envReconcileCron, "*/5 * * * *")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/pacer-test.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.ScanInterval != 250*time.Millisecond {
		t.Errorf("ScanInterval = %v, want 250ms", cfg.ScanInterval)
	}
	if cfg.QueueLimit != 25 || cfg.EnvLimit != 300 || cfg.MaxAttempts != 3 {
		t.Errorf("limits = %d/%d/%d, want 25/300/3", cfg.QueueLimit, cfg.EnvLimit, cfg.MaxAttempts)
	}
	if cfg.ReconcileCron != "*/5 * * * *" {
		t.Errorf("ReconcileCron = %q", cfg.ReconcileCron)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(envHeartbeatInterval, "not-a-duration")
	t.Setenv(envQueueLimit, "-4")
	t.Setenv(envMaxAttempts, "zero")

	cfg := Load()

	if cfg.HeartbeatInterval != defaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want default", cfg.HeartbeatInterval)
	}
	if cfg.QueueLimit != defaultQueueLimit {
		t.Errorf("QueueLimit = %d, want default", cfg.QueueLimit)
	}
	if cfg.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want default", cfg.MaxAttempts)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
