package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBDriver   = "sqlite"
	defaultDBDSN      = "runengine.db"
	defaultRedisAddr  = "localhost:6379"
	defaultPrefix     = "engine:"
	defaultMachine    = "small-1x"

	envListenAddr = "RUNENGINE_LISTEN_ADDR"
	envDBDriver   = "RUNENGINE_DB_DRIVER"
	envDBDSN      = "RUNENGINE_DB_DSN"
	envLogLevel   = "RUNENGINE_LOG_LEVEL"

	envRedisAddrs    = "RUNENGINE_REDIS_ADDRS"
	envRedisPassword = "RUNENGINE_REDIS_PASSWORD"
	envRedisDB       = "RUNENGINE_REDIS_DB"
	envRedisPrefix   = "RUNENGINE_REDIS_PREFIX"

	envLockDuration           = "RUNENGINE_LOCK_DURATION"
	envLockRetryCount         = "RUNENGINE_LOCK_RETRY_COUNT"
	envLockRetryDelay         = "RUNENGINE_LOCK_RETRY_DELAY"
	envLockRetryJitter        = "RUNENGINE_LOCK_RETRY_JITTER"
	envLockExtensionThreshold = "RUNENGINE_LOCK_EXTENSION_THRESHOLD"

	envHeartbeatDequeued    = "RUNENGINE_HEARTBEAT_DEQUEUED_TIMEOUT"
	envHeartbeatExecuting   = "RUNENGINE_HEARTBEAT_EXECUTING_TIMEOUT"
	envHeartbeatInterrupted = "RUNENGINE_HEARTBEAT_INTERRUPTED_TIMEOUT"

	envDefaultEnvConcurrency = "RUNENGINE_DEFAULT_ENV_CONCURRENCY_LIMIT"
	envDefaultMaxAttempts    = "RUNENGINE_DEFAULT_MAX_ATTEMPTS"
	envWarmRetryThreshold    = "RUNENGINE_WARM_RETRY_THRESHOLD"
	envDefaultMachine        = "RUNENGINE_DEFAULT_MACHINE"

	envWorkerPollInterval = "RUNENGINE_WORKER_POLL_INTERVAL"
	envWorkerConcurrency  = "RUNENGINE_WORKER_CONCURRENCY"
	envScheduleTick       = "RUNENGINE_SCHEDULE_TICK"

	envAdminToken          = "RUNENGINE_ADMIN_TOKEN"
	envCallbackMaxBytes    = "RUNENGINE_CALLBACK_MAX_BYTES"
	envCallbackInlineBytes = "RUNENGINE_CALLBACK_INLINE_BYTES"

	envMinioEndpoint  = "RUNENGINE_MINIO_ENDPOINT"
	envMinioAccessKey = "RUNENGINE_MINIO_ACCESS_KEY"
	envMinioSecretKey = "RUNENGINE_MINIO_SECRET_KEY"
	envMinioBucket    = "RUNENGINE_MINIO_BUCKET"
	envMinioUseSSL    = "RUNENGINE_MINIO_USE_SSL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBDriver   string
	DBDSN      string
	LogLevel   slog.Level
	AdminToken string

	Redis     RedisConfig
	Lock      LockConfig
	Heartbeat HeartbeatConfig
	Runs      RunConfig
	Worker    WorkerConfig
	Callback  CallbackConfig
	Minio     MinioConfig

	ScheduleTick time.Duration
}

// RedisConfig describes the Redis deployment. Every address takes part in the
// lock quorum; the first one also holds queues and jobs.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	Prefix   string
}

// LockConfig tunes run lock acquisition.
type LockConfig struct {
	Duration           time.Duration
	RetryCount         int
	RetryDelay         time.Duration
	RetryJitter        time.Duration
	ExtensionThreshold time.Duration
}

// HeartbeatConfig sets how long a snapshot may go without a heartbeat, per status.
type HeartbeatConfig struct {
	DequeuedTimeout    time.Duration
	ExecutingTimeout   time.Duration
	InterruptedTimeout time.Duration
}

// RunConfig holds run defaults.
type RunConfig struct {
	// DefaultEnvConcurrencyLimit applies when neither the organization nor the
	// environment sets a limit. Nil means unlimited.
	DefaultEnvConcurrencyLimit *int
	DefaultMaxAttempts         int
	WarmRetryThreshold         time.Duration
	DefaultMachine             string
}

// WorkerConfig tunes the delayed-job worker.
type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

// CallbackConfig bounds HTTP callback payloads.
type CallbackConfig struct {
	MaxBytes    int
	InlineBytes int
}

// MinioConfig configures large payload offload. An empty Endpoint disables it.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads configuration from environment variables with sensible defaults.
// It fails on values that are present but malformed.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: envString(envListenAddr, defaultListenAddr),
		DBDriver:   envString(envDBDriver, defaultDBDriver),
		DBDSN:      envString(envDBDSN, defaultDBDSN),
		LogLevel:   parseLogLevel(envString(envLogLevel, "info")),
		AdminToken: envString(envAdminToken, ""),
		Redis: RedisConfig{
			Addrs:    envList(envRedisAddrs, []string{defaultRedisAddr}),
			Password: envString(envRedisPassword, ""),
			Prefix:   envString(envRedisPrefix, defaultPrefix),
		},
		Runs: RunConfig{
			DefaultMachine: envString(envDefaultMachine, defaultMachine),
		},
		Minio: MinioConfig{
			Endpoint:  envString(envMinioEndpoint, ""),
			AccessKey: envString(envMinioAccessKey, ""),
			SecretKey: envString(envMinioSecretKey, ""),
			Bucket:    envString(envMinioBucket, "waitpoint-outputs"),
		},
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	cfg.Redis.DB, err = envInt(envRedisDB, 0)
	collect(err)

	cfg.Lock.Duration, err = envDuration(envLockDuration, 5*time.Second)
	collect(err)
	cfg.Lock.RetryCount, err = envInt(envLockRetryCount, 10)
	collect(err)
	cfg.Lock.RetryDelay, err = envDuration(envLockRetryDelay, 200*time.Millisecond)
	collect(err)
	cfg.Lock.RetryJitter, err = envDuration(envLockRetryJitter, 100*time.Millisecond)
	collect(err)
	cfg.Lock.ExtensionThreshold, err = envDuration(envLockExtensionThreshold, time.Second)
	collect(err)

	cfg.Heartbeat.DequeuedTimeout, err = envDuration(envHeartbeatDequeued, time.Minute)
	collect(err)
	cfg.Heartbeat.ExecutingTimeout, err = envDuration(envHeartbeatExecuting, time.Minute)
	collect(err)
	cfg.Heartbeat.InterruptedTimeout, err = envDuration(envHeartbeatInterrupted, 30*time.Second)
	collect(err)

	cfg.Runs.DefaultEnvConcurrencyLimit, err = envOptionalInt(envDefaultEnvConcurrency)
	collect(err)
	cfg.Runs.DefaultMaxAttempts, err = envInt(envDefaultMaxAttempts, 3)
	collect(err)
	cfg.Runs.WarmRetryThreshold, err = envDuration(envWarmRetryThreshold, 5*time.Second)
	collect(err)

	cfg.Worker.PollInterval, err = envDuration(envWorkerPollInterval, 500*time.Millisecond)
	collect(err)
	cfg.Worker.Concurrency, err = envInt(envWorkerConcurrency, 10)
	collect(err)
	cfg.ScheduleTick, err = envDuration(envScheduleTick, 15*time.Second)
	collect(err)

	cfg.Callback.MaxBytes, err = envInt(envCallbackMaxBytes, 3<<20)
	collect(err)
	cfg.Callback.InlineBytes, err = envInt(envCallbackInlineBytes, 256<<10)
	collect(err)
	cfg.Minio.UseSSL, err = envBool(envMinioUseSSL, false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("%s must be sqlite or pgx, got %q", envDBDriver, c.DBDriver)
	}
	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("%s must list at least one address", envRedisAddrs)
	}
	if c.Lock.Duration <= 0 {
		return fmt.Errorf("%s must be positive", envLockDuration)
	}
	if c.Lock.ExtensionThreshold >= c.Lock.Duration {
		return fmt.Errorf("%s must be shorter than %s", envLockExtensionThreshold, envLockDuration)
	}
	if c.Runs.DefaultMaxAttempts < 1 {
		return fmt.Errorf("%s must be >= 1", envDefaultMaxAttempts)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("%s must be >= 1", envWorkerConcurrency)
	}
	if c.Callback.InlineBytes > c.Callback.MaxBytes {
		return fmt.Errorf("%s must be <= %s", envCallbackInlineBytes, envCallbackMaxBytes)
	}
	if c.Minio.Endpoint != "" && strings.Contains(c.Minio.Endpoint, "://") {
		return fmt.Errorf("%s must not include scheme: %q", envMinioEndpoint, c.Minio.Endpoint)
	}
	return nil
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
