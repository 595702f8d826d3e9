package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/runengine/internal/api"
	"github.com/seantiz/runengine/internal/config"
	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/heartbeat"
	"github.com/seantiz/runengine/internal/lock"
	"github.com/seantiz/runengine/internal/objectstore"
	"github.com/seantiz/runengine/internal/queue"
	"github.com/seantiz/runengine/internal/schedule"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/waitpoint"
	"github.com/seantiz/runengine/internal/worker"
)

func newServeCommand() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the job worker and schedule loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides RUNENGINE_LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("runengine: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"redis_addrs", cfg.Redis.Addrs,
	)

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	clients := make([]redis.UniversalClient, 0, len(cfg.Redis.Addrs))
	for _, addr := range cfg.Redis.Addrs {
		c := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer c.Close()
		clients = append(clients, c)
	}
	primary := clients[0]
	if err := primary.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addrs[0], err)
	}

	locker, err := lock.NewLocker(clients, lock.Options{
		Prefix:             cfg.Redis.Prefix + "lock:",
		RetryCount:         cfg.Lock.RetryCount,
		RetryDelay:         cfg.Lock.RetryDelay,
		RetryJitter:        cfg.Lock.RetryJitter,
		ExtensionThreshold: cfg.Lock.ExtensionThreshold,
	}, logger)
	if err != nil {
		return err
	}

	objects, err := openObjectStore(ctx, cfg.Minio, logger)
	if err != nil {
		return err
	}

	jobs := worker.New(primary, worker.Options{
		Prefix:       cfg.Redis.Prefix,
		PollInterval: cfg.Worker.PollInterval,
		Concurrency:  cfg.Worker.Concurrency,
	}, logger)

	eng, err := engine.New(engine.Options{
		Store:          db,
		Locker:         locker,
		Queue:          queue.New(primary, cfg.Redis.Prefix, logger),
		Jobs:           jobs,
		Objects:        objects,
		DefaultMachine: cfg.Runs.DefaultMachine,
		LockDuration:   cfg.Lock.Duration,
		Heartbeats: heartbeat.Timeouts{
			Dequeued:    cfg.Heartbeat.DequeuedTimeout,
			Executing:   cfg.Heartbeat.ExecutingTimeout,
			Interrupted: cfg.Heartbeat.InterruptedTimeout,
		},
		Callback: waitpoint.Options{
			CallbackMaxBytes:    cfg.Callback.MaxBytes,
			CallbackInlineBytes: cfg.Callback.InlineBytes,
		},
		DefaultEnvConcurrencyLimit: cfg.Runs.DefaultEnvConcurrencyLimit,
		DefaultMaxAttempts:         cfg.Runs.DefaultMaxAttempts,
		WarmRetryThreshold:         cfg.Runs.WarmRetryThreshold,
	}, logger)
	if err != nil {
		return err
	}

	schedules := schedule.New(db, eng, schedule.Options{Tick: cfg.ScheduleTick}, logger)
	eng.SetScheduleRecoverer(schedules)

	srv := api.NewServer(cfg.ListenAddr, eng, schedules, cfg.AdminToken, logger)
	if cfg.AdminToken == "" {
		logger.Warn("runengine: RUNENGINE_ADMIN_TOKEN is empty; admin API disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(ctx) })
	g.Go(func() error { return schedules.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	return g.Wait()
}

// openObjectStore connects to MinIO when an endpoint is configured. Without
// one, large callback bodies are stored inline.
func openObjectStore(ctx context.Context, cfg config.MinioConfig, logger *slog.Logger) (objectstore.Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	ms, err := objectstore.NewMinioStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := ms.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	logger.Info("runengine: object store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return ms, nil
}
