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
		envListenAddr, envDBDriver, envDBDSN, envLogLevel, envRedisAddrs, envRedisDB,
		envLockDuration, envLockExtensionThreshold, envDefaultEnvConcurrency,
		envDefaultMaxAttempts, envHeartbeatExecuting, envCallbackMaxBytes, envCallbackInlineBytes,
		envMinioEndpoint, envMinioUseSSL,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.DBDSN != defaultDBDSN {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, defaultDBDSN)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if len(cfg.Redis.Addrs) != 1 || cfg.Redis.Addrs[0] != defaultRedisAddr {
		t.Errorf("Redis.Addrs = %v, want [%s]", cfg.Redis.Addrs, defaultRedisAddr)
	}
	if cfg.Runs.DefaultEnvConcurrencyLimit != nil {
		t.Errorf("DefaultEnvConcurrencyLimit = %v, want nil (unlimited)", *cfg.Runs.DefaultEnvConcurrencyLimit)
	}
	if cfg.Lock.Duration != 5*time.Second {
		t.Errorf("Lock.Duration = %v, want 5s", cfg.Lock.Duration)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBDriver, "pgx")
	t.Setenv(envDBDSN, "postgres://localhost/runs")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envRedisAddrs, "r1:6379, r2:6379,r3:6379")
	t.Setenv(envDefaultEnvConcurrency, "25")
	t.Setenv(envHeartbeatExecuting, "2m")
	t.Setenv(envLockDuration, "1d")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBDriver != "pgx" {
		t.Errorf("DBDriver = %q, want pgx", cfg.DBDriver)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if len(cfg.Redis.Addrs) != 3 || cfg.Redis.Addrs[1] != "r2:6379" {
		t.Errorf("Redis.Addrs = %v, want 3 trimmed addresses", cfg.Redis.Addrs)
	}
	if cfg.Runs.DefaultEnvConcurrencyLimit == nil || *cfg.Runs.DefaultEnvConcurrencyLimit != 25 {
		t.Errorf("DefaultEnvConcurrencyLimit = %v, want 25", cfg.Runs.DefaultEnvConcurrencyLimit)
	}
	if cfg.Heartbeat.ExecutingTimeout != 2*time.Minute {
		t.Errorf("Heartbeat.ExecutingTimeout = %v, want 2m", cfg.Heartbeat.ExecutingTimeout)
	}
	if cfg.Lock.Duration != 24*time.Hour {
		t.Errorf("Lock.Duration = %v, want 24h", cfg.Lock.Duration)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{envRedisDB, "zero"},
		{envLockDuration, "soon"},
		{envDefaultEnvConcurrency, "lots"},
		{envMinioUseSSL, "maybe"},
		{envDBDriver, "mysql"},
		{envMinioEndpoint, "https://minio:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestLoadRejectsInlineAboveMax(t *testing.T) {
	clearEnv(t)
	t.Setenv(envCallbackMaxBytes, "100")
	t.Setenv(envCallbackInlineBytes, "200")
	if _, err := Load(); err == nil {
		t.Error("Load succeeded, want error for inline > max")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
		ok    bool
	}{
		{"5s", 5 * time.Second, true},
		{"1h30m", 90 * time.Minute, true},
		{"2d", 48 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"nope", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.input)
		if (err == nil) != tt.ok {
			t.Errorf("ParseDuration(%q) err = %v, want ok=%v", tt.input, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
		}
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

	logger.Info("test message", "run_id", "run_1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["run_id"] != "run_1" {
		t.Errorf("run_id = %v, want %q", entry["run_id"], "run_1")
	}
}
