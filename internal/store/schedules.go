package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/runengine/internal/model"
)

const scheduleColumns = `id, friendly_id, task_identifier, environment_id, project_id, cron, timezone,
	active, last_run_at, next_run_at, created_at`

func scanSchedule(row scanner) (*model.ScheduleInstance, error) {
	s := &model.ScheduleInstance{}
	if err := row.Scan(&s.ID, &s.FriendlyID, &s.TaskIdentifier, &s.EnvironmentID, &s.ProjectID, &s.Cron,
		&s.Timezone, &s.Active, &s.LastRunAt, &s.NextRunAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSchedule inserts a schedule instance.
func (s *SQLStore) CreateSchedule(ctx context.Context, sched *model.ScheduleInstance) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO schedules (`+scheduleColumns+`) VALUES (`+placeholders(11)+`)`),
		sched.ID, sched.FriendlyID, sched.TaskIdentifier, sched.EnvironmentID, sched.ProjectID, sched.Cron,
		sched.Timezone, sched.Active, utcPtr(sched.LastRunAt), utcPtr(sched.NextRunAt), utc(sched.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule instance by id.
func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*model.ScheduleInstance, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules lists active schedules of envID, or of every environment when envID is empty.
func (s *SQLStore) ListSchedules(ctx context.Context, envID string) ([]*model.ScheduleInstance, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE active = ?`
	args := []any{true}
	if envID != "" {
		query += ` AND environment_id = ?`
		args = append(args, envID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY created_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*model.ScheduleInstance
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// UpdateScheduleRun records the last fire and the next fire time of a schedule.
func (s *SQLStore) UpdateScheduleRun(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`),
		utcPtr(lastRunAt), utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return checkAffected(res)
}
