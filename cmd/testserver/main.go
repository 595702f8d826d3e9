// testserver starts a run engine API backed by in-process Redis and an
// in-memory database, seeded with one organization and one development
// environment. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/runengine/internal/api"
	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/lock"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/objectstore"
	"github.com/seantiz/runengine/internal/queue"
	"github.com/seantiz/runengine/internal/schedule"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/waitpoint"
	"github.com/seantiz/runengine/internal/worker"
)

const (
	seedOrganization = "org_test"
	seedEnvironment  = "env_dev"
	seedProject      = "proj_test"
	adminToken       = "test-admin-token"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("RUNENGINE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mr, err := miniredis.Run()
	if err != nil {
		log.Fatalf("failed to start redis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	locker, err := lock.NewLocker([]redis.UniversalClient{client}, lock.Options{
		Prefix:     "lock:",
		RetryCount: 20,
		RetryDelay: 20 * time.Millisecond,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create locker: %v", err)
	}
	jobs := worker.New(client, worker.Options{PollInterval: 100 * time.Millisecond}, logger)

	eng, err := engine.New(engine.Options{
		Store:    db,
		Locker:   locker,
		Queue:    queue.New(client, "", logger),
		Jobs:     jobs,
		Objects:  objectstore.NewMemoryStore(),
		Callback: waitpoint.Options{CallbackMaxBytes: 1 << 20, CallbackInlineBytes: 4 << 10},
	}, logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	schedules := schedule.New(db, eng, schedule.Options{Tick: time.Second}, logger)
	eng.SetScheduleRecoverer(schedules)

	if _, err := eng.CreateOrganization(ctx, engine.OrganizationRequest{ID: seedOrganization, Title: "Test"}); err != nil {
		log.Fatalf("failed to seed organization: %v", err)
	}
	if _, err := eng.CreateEnvironment(ctx, engine.EnvironmentRequest{
		ID:             seedEnvironment,
		OrganizationID: seedOrganization,
		ProjectID:      seedProject,
		Type:           model.EnvDevelopment,
	}); err != nil {
		log.Fatalf("failed to seed environment: %v", err)
	}

	srv := api.NewServer(addr, eng, schedules, adminToken, logger)

	logger.Info("testserver: starting", "addr", addr, "environment_id", seedEnvironment, "admin_token", adminToken)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(ctx) })
	g.Go(func() error { return schedules.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
