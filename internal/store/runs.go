package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/runengine/internal/model"
)

const runColumns = `id, friendly_id, task_identifier, queue, environment_id, environment_type,
	organization_id, project_id, machine, attempt_number, max_attempts, status, master_queue,
	worker_id, idempotency_key, idempotency_key_scope, idempotency_key_expires_at,
	trace_context, payload, payload_type, output, output_type, error, parent_run_id,
	root_run_id, associated_waitpoint_id, schedule_id, concurrency_key, rate_limit_key,
	delay_until, ttl, priority_ms, overrides, created_at, updated_at, completed_at`

const runColumnCount = 36

const snapshotColumns = `id, friendly_id, run_id, seq, status, description, attempt_number,
	checkpoint_id, worker_id, resume_attempt, completed_waitpoint_ids, heartbeat_deadline, created_at`

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	var idemKey, traceCtx, payload, output, runErr, overrides sql.NullString
	err := row.Scan(
		&r.ID, &r.FriendlyID, &r.TaskIdentifier, &r.Queue, &r.EnvironmentID, &r.EnvironmentType,
		&r.OrganizationID, &r.ProjectID, &r.Machine, &r.AttemptNumber, &r.MaxAttempts, &r.Status, &r.MasterQueue,
		&r.WorkerID, &idemKey, &r.IdempotencyKeyScope, &r.IdempotencyKeyExpiresAt,
		&traceCtx, &payload, &r.PayloadType, &output, &r.OutputType, &runErr, &r.ParentRunID,
		&r.RootRunID, &r.AssociatedWaitpointID, &r.ScheduleID, &r.ConcurrencyKey, &r.RateLimitKey,
		&r.DelayUntil, &r.TTL, &r.PriorityMs, &overrides, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.IdempotencyKey = idemKey.String
	r.Payload = rawOf(payload)
	r.Output = rawOf(output)
	if traceCtx.Valid && traceCtx.String != "" {
		if err := json.Unmarshal([]byte(traceCtx.String), &r.TraceContext); err != nil {
			return nil, fmt.Errorf("decode trace context: %w", err)
		}
	}
	if runErr.Valid && runErr.String != "" {
		r.Error = &model.TaskRunError{}
		if err := json.Unmarshal([]byte(runErr.String), r.Error); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}
	}
	if overrides.Valid && overrides.String != "" {
		r.Overrides = &model.RunOverrides{}
		if err := json.Unmarshal([]byte(overrides.String), r.Overrides); err != nil {
			return nil, fmt.Errorf("decode run overrides: %w", err)
		}
	}
	return r, nil
}

func scanSnapshot(row scanner) (*model.Snapshot, error) {
	s := &model.Snapshot{}
	var completed sql.NullString
	err := row.Scan(
		&s.ID, &s.FriendlyID, &s.RunID, &s.Seq, &s.Status, &s.Description, &s.AttemptNumber,
		&s.CheckpointID, &s.WorkerID, &s.ResumeAttempt, &completed, &s.HeartbeatDeadline, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid && completed.String != "" {
		if err := json.Unmarshal([]byte(completed.String), &s.CompletedWaitpointIDs); err != nil {
			return nil, fmt.Errorf("decode completed waitpoints: %w", err)
		}
	}
	return s, nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, q func(string) string, s *model.Snapshot) error {
	completed, err := nullJSON(s.CompletedWaitpointIDs)
	if err != nil {
		return fmt.Errorf("encode completed waitpoints: %w", err)
	}
	if len(s.CompletedWaitpointIDs) == 0 {
		completed = nil
	}
	_, err = tx.ExecContext(ctx, q(`INSERT INTO run_snapshots (`+snapshotColumns+`)
		VALUES (`+placeholders(13)+`)`),
		s.ID, s.FriendlyID, s.RunID, s.Seq, s.Status, s.Description, s.AttemptNumber,
		s.CheckpointID, s.WorkerID, s.ResumeAttempt, completed, utcPtr(s.HeartbeatDeadline), utc(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// CreateRun inserts a run, its first snapshot and the latest pointer.
func (s *SQLStore) CreateRun(ctx context.Context, r *model.Run, snap *model.Snapshot) error {
	traceCtx, err := nullJSON(r.TraceContext)
	if err != nil {
		return fmt.Errorf("encode trace context: %w", err)
	}
	runErr, err := nullJSON(r.Error)
	if err != nil {
		return fmt.Errorf("encode run error: %w", err)
	}
	overrides, err := nullJSON(r.Overrides)
	if err != nil {
		return fmt.Errorf("encode run overrides: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO runs (`+runColumns+`) VALUES (`+placeholders(runColumnCount)+`)`),
		r.ID, r.FriendlyID, r.TaskIdentifier, r.Queue, r.EnvironmentID, r.EnvironmentType,
		r.OrganizationID, r.ProjectID, r.Machine, r.AttemptNumber, r.MaxAttempts, r.Status, r.MasterQueue,
		r.WorkerID, nullString(r.IdempotencyKey), r.IdempotencyKeyScope, utcPtr(r.IdempotencyKeyExpiresAt),
		traceCtx, nullRaw(r.Payload), r.PayloadType, nullRaw(r.Output), r.OutputType, runErr, r.ParentRunID,
		r.RootRunID, r.AssociatedWaitpointID, r.ScheduleID, r.ConcurrencyKey, r.RateLimitKey,
		utcPtr(r.DelayUntil), r.TTL, r.PriorityMs, overrides, utc(r.CreatedAt), utc(r.UpdatedAt), utcPtr(r.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert run: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert run: %w", err)
	}

	if err := insertSnapshot(ctx, tx, s.q, snap); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO run_latest_snapshot (run_id, snapshot_id, seq) VALUES (?, ?, ?)`),
		snap.RunID, snap.ID, snap.Seq); err != nil {
		return fmt.Errorf("insert latest snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by internal id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// FindRunByIdempotencyKey returns the run holding key for a task in an environment.
func (s *SQLStore) FindRunByIdempotencyKey(ctx context.Context, envID, taskIdentifier, key string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs
		WHERE environment_id = ? AND task_identifier = ? AND idempotency_key = ?`), envID, taskIdentifier, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run by idempotency key: %w", err)
	}
	return r, nil
}

// ClearRunIdempotencyKey frees a run's idempotency key for reuse.
func (s *SQLStore) ClearRunIdempotencyKey(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET idempotency_key = NULL WHERE id = ?`), runID)
	if err != nil {
		return fmt.Errorf("clear run idempotency key: %w", err)
	}
	return checkAffected(res)
}

// ListRunsByStatus lists an environment's runs in status, oldest first.
func (s *SQLStore) ListRunsByStatus(ctx context.Context, envID string, status model.Status) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+runColumns+` FROM runs
		WHERE environment_id = ? AND status = ? ORDER BY created_at ASC`), envID, status)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CreateSnapshot appends snap and moves the latest pointer from snap.Seq-1 to
// snap.Seq. The run's mutable columns are written in the same transaction so
// runs.status always mirrors the latest snapshot.
func (s *SQLStore) CreateSnapshot(ctx context.Context, r *model.Run, snap *model.Snapshot) error {
	runErr, err := nullJSON(r.Error)
	if err != nil {
		return fmt.Errorf("encode run error: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE run_latest_snapshot SET snapshot_id = ?, seq = ?
		WHERE run_id = ? AND seq = ?`), snap.ID, snap.Seq, snap.RunID, snap.Seq-1)
	if err != nil {
		return fmt.Errorf("move latest snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrSnapshotConflict
	}

	if err := insertSnapshot(ctx, tx, s.q, snap); err != nil {
		if isUniqueViolation(err) {
			return ErrSnapshotConflict
		}
		return err
	}

	res, err = tx.ExecContext(ctx, s.q(`UPDATE runs SET status = ?, queue = ?, machine = ?, attempt_number = ?,
		max_attempts = ?, worker_id = ?, master_queue = ?, output = ?, output_type = ?, error = ?,
		updated_at = ?, completed_at = ? WHERE id = ?`),
		snap.Status, r.Queue, r.Machine, r.AttemptNumber, r.MaxAttempts, r.WorkerID, r.MasterQueue,
		nullRaw(r.Output), r.OutputType,
		runErr, utc(r.UpdatedAt), utcPtr(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	r.Status = snap.Status
	return nil
}

// GetLatestSnapshot returns the snapshot the latest pointer of a run refers to.
func (s *SQLStore) GetLatestSnapshot(ctx context.Context, runID string) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, s.q(`SELECT `+prefixed("s", snapshotColumns)+`
		FROM run_latest_snapshot l JOIN run_snapshots s ON s.id = l.snapshot_id
		WHERE l.run_id = ?`), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot of a run in sequence order.
func (s *SQLStore) ListSnapshots(ctx context.Context, runID string) ([]*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+snapshotColumns+` FROM run_snapshots
		WHERE run_id = ? ORDER BY seq ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// CreateCheckpoint inserts a checkpoint record.
func (s *SQLStore) CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO checkpoints
		(id, friendly_id, run_id, type, location, image_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.FriendlyID, c.RunID, c.Type, c.Location, c.ImageRef, utc(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by id.
func (s *SQLStore) GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error) {
	c := &model.Checkpoint{}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, friendly_id, run_id, type, location, image_ref, created_at
		FROM checkpoints WHERE id = ?`), id).
		Scan(&c.ID, &c.FriendlyID, &c.RunID, &c.Type, &c.Location, &c.ImageRef, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return c, nil
}
