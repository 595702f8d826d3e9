// Package schedule fires cron schedules of tasks by triggering runs on the
// engine.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/store"
)

// DefaultTick is how often due schedules are checked when no tick is configured.
const DefaultTick = 15 * time.Second

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Triggerer triggers the run of one schedule fire.
type Triggerer interface {
	OnTriggerScheduledTask(ctx context.Context, p engine.ScheduledTaskParams) engine.ScheduledTaskResult
}

// Options configure an Engine.
type Options struct {
	Tick time.Duration
	Now  func() time.Time
}

// Engine fires due schedules.
type Engine struct {
	store   store.Store
	trigger Triggerer
	opts    Options
	logger  *slog.Logger
}

// New creates a schedule Engine.
func New(st store.Store, t Triggerer, opts Options, logger *slog.Logger) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: st, trigger: t, opts: opts, logger: logger.With("component", "schedule")}
}

// CreateRequest creates a schedule.
type CreateRequest struct {
	TaskIdentifier string `json:"taskIdentifier"`
	EnvironmentID  string `json:"environmentId"`
	Cron           string `json:"cron"`
	Timezone       string `json:"timezone,omitempty"`
}

// ErrInvalidSchedule is returned for a malformed cron expression or timezone.
var ErrInvalidSchedule = errors.New("invalid schedule")

func parse(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: timezone %q", ErrInvalidSchedule, tz)
		}
		loc = l
	}
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return sched, loc, nil
}

func nextAfter(sched cron.Schedule, loc *time.Location, t time.Time) time.Time {
	return sched.Next(t.In(loc)).UTC()
}

// Create stores an active schedule due at its next fire.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.ScheduleInstance, error) {
	if req.TaskIdentifier == "" || req.EnvironmentID == "" {
		return nil, fmt.Errorf("%w: taskIdentifier and environmentId are required", ErrInvalidSchedule)
	}
	sched, loc, err := parse(req.Cron, req.Timezone)
	if err != nil {
		return nil, err
	}
	env, err := e.store.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}

	now := e.opts.Now().UTC()
	nextRun := nextAfter(sched, loc, now)
	if nextRun.IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, req.Cron)
	}
	id, friendly := model.NewFriendlyID(model.EntitySchedule)
	s := &model.ScheduleInstance{
		ID:             id,
		FriendlyID:     friendly,
		TaskIdentifier: req.TaskIdentifier,
		EnvironmentID:  env.ID,
		ProjectID:      env.ProjectID,
		Cron:           req.Cron,
		Timezone:       req.Timezone,
		Active:         true,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}
	if err := e.store.CreateSchedule(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Info("schedule created", "schedule_id", s.ID, "task", s.TaskIdentifier, "cron", s.Cron, "next_run_at", nextRun)
	return s, nil
}

// Run fires due schedules every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("schedule tick", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every schedule whose next fire has passed, once, and moves it
// to its next fire after now. It returns the number of runs triggered.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	schedules, err := e.store.ListSchedules(ctx, "")
	if err != nil {
		return 0, err
	}
	now := e.opts.Now().UTC()
	fired := 0
	for _, s := range schedules {
		if s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		ok, err := e.fire(ctx, s, *s.NextRunAt, now)
		if err != nil {
			e.logger.Error("fire schedule", "schedule_id", s.ID, "error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// Recover re-evaluates an environment's schedules. A schedule that missed
// fires triggers once, for the most recent one. It returns the number of
// runs triggered.
func (e *Engine) Recover(ctx context.Context, envID string) (int, error) {
	schedules, err := e.store.ListSchedules(ctx, envID)
	if err != nil {
		return 0, err
	}
	now := e.opts.Now().UTC()
	fired := 0
	for _, s := range schedules {
		sched, loc, err := parse(s.Cron, s.Timezone)
		if err != nil {
			e.logger.Warn("skip unparsable schedule", "schedule_id", s.ID, "error", err)
			continue
		}
		since := s.CreatedAt
		if s.LastRunAt != nil {
			since = *s.LastRunAt
		}
		missed, ok := mostRecentFire(sched, loc, since, now)
		if !ok {
			next := nextAfter(sched, loc, now)
			if !next.IsZero() && (s.NextRunAt == nil || !s.NextRunAt.Equal(next)) {
				if err := e.store.UpdateScheduleRun(ctx, s.ID, s.LastRunAt, &next); err != nil {
					return fired, err
				}
			}
			continue
		}
		triggered, err := e.fire(ctx, s, missed, now)
		if err != nil {
			return fired, err
		}
		if triggered {
			fired++
		}
	}
	e.logger.Info("schedules recovered", "environment_id", envID, "schedules", len(schedules), "triggered", fired)
	return fired, nil
}

// fire triggers s for timestamp and records the fire.
func (e *Engine) fire(ctx context.Context, s *model.ScheduleInstance, timestamp, now time.Time) (bool, error) {
	sched, loc, err := parse(s.Cron, s.Timezone)
	if err != nil {
		return false, err
	}
	res := e.trigger.OnTriggerScheduledTask(ctx, engine.ScheduledTaskParams{
		ScheduleID:     s.ID,
		TaskIdentifier: s.TaskIdentifier,
		EnvironmentID:  s.EnvironmentID,
		Timestamp:      timestamp,
		LastTimestamp:  s.LastRunAt,
	})
	if !res.Success {
		e.logger.Warn("scheduled trigger failed", "schedule_id", s.ID, "timestamp", timestamp, "error", res.Error)
	}

	var next *time.Time
	if n := nextAfter(sched, loc, now); !n.IsZero() {
		next = &n
	}
	if err := e.store.UpdateScheduleRun(ctx, s.ID, &timestamp, next); err != nil {
		return false, err
	}
	s.LastRunAt, s.NextRunAt = &timestamp, next
	return res.Success, nil
}

// mostRecentFire finds the latest fire of sched in (since, now]. The search
// window doubles back from now so a frequent schedule after a long outage
// is not walked fire by fire.
func mostRecentFire(sched cron.Schedule, loc *time.Location, since, now time.Time) (time.Time, bool) {
	if !now.After(since) {
		return time.Time{}, false
	}
	start := since
	for window := time.Minute; window < now.Sub(since); window *= 2 {
		if n := nextAfter(sched, loc, now.Add(-window)); !n.IsZero() && !n.After(now) {
			start = now.Add(-window)
			break
		}
	}

	var last time.Time
	found := false
	// Next returns the zero time for a schedule that never fires.
	for cursor := nextAfter(sched, loc, start); !cursor.IsZero() && !cursor.After(now); cursor = nextAfter(sched, loc, cursor) {
		if cursor.After(since) {
			last, found = cursor, true
		}
	}
	return last, found
}
