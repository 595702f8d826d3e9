package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/store"
)

type recorder struct {
	calls []engine.ScheduledTaskParams
}

func (r *recorder) OnTriggerScheduledTask(ctx context.Context, p engine.ScheduledTaskParams) engine.ScheduledTaskResult {
	r.calls = append(r.calls, p)
	return engine.ScheduledTaskResult{Success: true, RunID: "run1"}
}

type fixture struct {
	e   *Engine
	st  store.Store
	rec *recorder
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateOrganization(ctx, &model.Organization{ID: "org1", Title: "Org"}); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if err := st.CreateEnvironment(ctx, &model.Environment{ID: "env1", OrganizationID: "org1", ProjectID: "proj1", Type: model.EnvProduction}); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}

	f := &fixture{st: st, rec: &recorder{}, now: time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)}
	f.e = New(st, f.rec, Options{Now: func() time.Time { return f.now }}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func TestCreateComputesNextRun(t *testing.T) {
	f := newFixture(t)
	s, err := f.e.Create(context.Background(), CreateRequest{TaskIdentifier: "report", EnvironmentID: "env1", Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	if s.NextRunAt == nil || !s.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", s.NextRunAt, want)
	}
	if s.ProjectID != "proj1" {
		t.Errorf("ProjectID = %q, want proj1", s.ProjectID)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	tests := []CreateRequest{
		{TaskIdentifier: "t", EnvironmentID: "env1", Cron: "not a cron"},
		{TaskIdentifier: "t", EnvironmentID: "env1", Cron: "@daily", Timezone: "Mars/Olympus"},
		{EnvironmentID: "env1", Cron: "@daily"},
	}
	for _, req := range tests {
		if _, err := f.e.Create(context.Background(), req); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("Create(%+v) error = %v, want ErrInvalidSchedule", req, err)
		}
	}
}

func TestTimezone(t *testing.T) {
	f := newFixture(t)
	s, err := f.e.Create(context.Background(), CreateRequest{TaskIdentifier: "t", EnvironmentID: "env1", Cron: "0 9 * * *", Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 09:00 in New York is 14:00 UTC in January.
	want := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	if !s.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", s.NextRunAt, want)
	}
}

func TestTickFiresDueSchedulesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.e.Create(ctx, CreateRequest{TaskIdentifier: "report", EnvironmentID: "env1", Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if n, _ := f.e.Tick(ctx); n != 0 {
		t.Fatalf("Tick before due fired %d, want 0", n)
	}

	// Fifteen minutes late: one fire for the missed timestamp, not three.
	f.now = f.now.Add(15 * time.Minute)
	n, err := f.e.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Tick = %d, %v, want 1", n, err)
	}
	if got := f.rec.calls[0]; got.ScheduleID != s.ID || !got.Timestamp.Equal(*s.NextRunAt) || got.LastTimestamp != nil {
		t.Errorf("call = %+v, want fire of %s at %v", got, s.ID, s.NextRunAt)
	}

	stored, err := f.st.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	wantNext := time.Date(2026, 1, 1, 10, 20, 0, 0, time.UTC)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(wantNext) {
		t.Errorf("NextRunAt = %v, want %v", stored.NextRunAt, wantNext)
	}
	if n, _ := f.e.Tick(ctx); n != 0 {
		t.Errorf("second Tick fired %d, want 0", n)
	}
}

func TestRecoverFiresMostRecentMissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.e.Create(ctx, CreateRequest{TaskIdentifier: "report", EnvironmentID: "env1", Cron: "0 * * * *"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.now = f.now.Add(5 * time.Hour)
	n, err := f.e.Recover(ctx, "env1")
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v, want 1", n, err)
	}
	want := time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)
	if got := f.rec.calls[0].Timestamp; !got.Equal(want) {
		t.Errorf("recovered timestamp = %v, want %v", got, want)
	}

	stored, _ := f.st.GetSchedule(ctx, s.ID)
	if stored.LastRunAt == nil || !stored.LastRunAt.Equal(want) {
		t.Errorf("LastRunAt = %v, want %v", stored.LastRunAt, want)
	}

	if n, _ := f.e.Recover(ctx, "env1"); n != 0 {
		t.Errorf("second Recover fired %d, want 0", n)
	}
}

func TestMostRecentFire(t *testing.T) {
	sched, loc, err := parse("*/10 * * * * *", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := since.Add(72*time.Hour + 25*time.Second)

	got, ok := mostRecentFire(sched, loc, since, now)
	want := since.Add(72*time.Hour + 20*time.Second)
	if !ok || !got.Equal(want) {
		t.Errorf("mostRecentFire = %v, %v, want %v", got, ok, want)
	}

	if _, ok := mostRecentFire(sched, loc, now, now); ok {
		t.Error("mostRecentFire over an empty range found a fire")
	}
}
