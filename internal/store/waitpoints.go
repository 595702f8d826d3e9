package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/runengine/internal/model"
)

const waitpointColumns = `id, friendly_id, type, status, completed_by, output, output_type,
	output_is_error, output_object_key, idempotency_key, idempotency_key_expires_at,
	completed_after, completed_by_run_id, environment_id, project_id, created_at, completed_at`

func scanWaitpoint(row scanner) (*model.Waitpoint, error) {
	w := &model.Waitpoint{}
	var output, idemKey sql.NullString
	err := row.Scan(
		&w.ID, &w.FriendlyID, &w.Type, &w.Status, &w.CompletedBy, &output, &w.OutputType,
		&w.OutputIsError, &w.OutputObjectKey, &idemKey, &w.IdempotencyKeyExpiresAt,
		&w.CompletedAfter, &w.CompletedByRunID, &w.EnvironmentID, &w.ProjectID, &w.CreatedAt, &w.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Output = rawOf(output)
	w.IdempotencyKey = idemKey.String
	return w, nil
}

func (s *SQLStore) queryWaitpoints(ctx context.Context, query string, args ...any) ([]*model.Waitpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list waitpoints: %w", err)
	}
	defer rows.Close()

	var out []*model.Waitpoint
	for rows.Next() {
		w, err := scanWaitpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitpoint: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waitpoints: %w", err)
	}
	return out, nil
}

// CreateWaitpoint inserts a waitpoint.
func (s *SQLStore) CreateWaitpoint(ctx context.Context, w *model.Waitpoint) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO waitpoints (`+waitpointColumns+`) VALUES (`+placeholders(17)+`)`),
		w.ID, w.FriendlyID, w.Type, w.Status, w.CompletedBy, nullRaw(w.Output), w.OutputType,
		w.OutputIsError, w.OutputObjectKey, nullString(w.IdempotencyKey), utcPtr(w.IdempotencyKeyExpiresAt),
		utcPtr(w.CompletedAfter), w.CompletedByRunID, w.EnvironmentID, w.ProjectID, utc(w.CreatedAt), utcPtr(w.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert waitpoint: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert waitpoint: %w", err)
	}
	return nil
}

// GetWaitpoint retrieves a waitpoint by internal id.
func (s *SQLStore) GetWaitpoint(ctx context.Context, id string) (*model.Waitpoint, error) {
	w, err := scanWaitpoint(s.db.QueryRowContext(ctx, s.q(`SELECT `+waitpointColumns+` FROM waitpoints WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get waitpoint: %w", err)
	}
	return w, nil
}

// GetWaitpoints retrieves the waitpoints with the given ids. Missing ids are
// skipped; callers compare lengths when every id must exist.
func (s *SQLStore) GetWaitpoints(ctx context.Context, ids []string) ([]*model.Waitpoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryWaitpoints(ctx, `SELECT `+waitpointColumns+` FROM waitpoints
		WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at ASC`, args...)
}

// FindWaitpointByIdempotencyKey returns the waitpoint holding key in an environment.
func (s *SQLStore) FindWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*model.Waitpoint, error) {
	w, err := scanWaitpoint(s.db.QueryRowContext(ctx, s.q(`SELECT `+waitpointColumns+` FROM waitpoints
		WHERE environment_id = ? AND idempotency_key = ?`), envID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find waitpoint by idempotency key: %w", err)
	}
	return w, nil
}

// ClearWaitpointIdempotencyKey frees a waitpoint's idempotency key for reuse.
func (s *SQLStore) ClearWaitpointIdempotencyKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE waitpoints SET idempotency_key = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("clear waitpoint idempotency key: %w", err)
	}
	return checkAffected(res)
}

// CompleteWaitpoint moves a pending waitpoint to COMPLETED. Completing an
// already completed waitpoint returns it unchanged with false.
func (s *SQLStore) CompleteWaitpoint(ctx context.Context, id string, c WaitpointCompletion) (*model.Waitpoint, bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE waitpoints SET status = ?, completed_by = ?, output = ?,
		output_type = ?, output_is_error = ?, output_object_key = ?, completed_by_run_id = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		model.WaitpointCompleted, c.By, nullRaw(c.Output), c.OutputType, c.OutputIsError, c.OutputObjectKey,
		c.CompletedByRunID, utc(c.CompletedAt), id, model.WaitpointPending,
	)
	if err != nil {
		return nil, false, fmt.Errorf("complete waitpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}

	w, err := s.GetWaitpoint(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return w, n == 1, nil
}

// AddRunWaitpoints links runs to waitpoints. Existing links are kept.
func (s *SQLStore) AddRunWaitpoints(ctx context.Context, links []model.RunWaitpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, l := range links {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO run_waitpoints
			(run_id, waitpoint_id, project_id, organization_id, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (run_id, waitpoint_id) DO NOTHING`),
			l.RunID, l.WaitpointID, l.ProjectID, l.OrganizationID, utc(l.CreatedAt)); err != nil {
			return fmt.Errorf("insert run waitpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run waitpoints: %w", err)
	}
	return nil
}

// ListRunWaitpoints returns the waitpoints a run is currently blocked on.
func (s *SQLStore) ListRunWaitpoints(ctx context.Context, runID string) ([]*model.Waitpoint, error) {
	return s.queryWaitpoints(ctx, `SELECT `+prefixed("w", waitpointColumns)+`
		FROM run_waitpoints rw JOIN waitpoints w ON w.id = rw.waitpoint_id
		WHERE rw.run_id = ? ORDER BY rw.created_at ASC, w.id ASC`, runID)
}

// ListBlockedRunIDs returns the runs blocked on a waitpoint.
func (s *SQLStore) ListBlockedRunIDs(ctx context.Context, waitpointID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT run_id FROM run_waitpoints WHERE waitpoint_id = ? ORDER BY run_id`), waitpointID)
	if err != nil {
		return nil, fmt.Errorf("list blocked runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked runs: %w", err)
	}
	return ids, nil
}

// DeleteRunWaitpoints removes every waitpoint link of a run.
func (s *SQLStore) DeleteRunWaitpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM run_waitpoints WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("delete run waitpoints: %w", err)
	}
	return nil
}
