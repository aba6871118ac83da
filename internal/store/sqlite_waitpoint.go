package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pacerhq/pacer/internal/model"
)

// CreateWaitpoint inserts a new waitpoint row.
func (s *SQLiteStore) CreateWaitpoint(ctx context.Context, wp *model.Waitpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO waitpoints (
			id, friendly_id, environment_id, type, status, idempotency_key,
			completed_after, completed_by_run_id, completed_by_batch_id,
			timeout_for_run_id, output, output_type, output_is_error,
			created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wp.ID, wp.FriendlyID, wp.EnvironmentID, wp.Type, wp.Status,
		nullStr(wp.IdempotencyKey), nullTime(wp.CompletedAfter),
		nullStr(wp.CompletedByRunID), nullStr(wp.CompletedByBatchID),
		nullStr(wp.TimeoutForRunID),
		wp.Output, nullStr(wp.OutputType), wp.OutputIsError,
		wp.CreatedAt, nullTime(wp.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert waitpoint: %w", err)
	}
	return nil
}

const waitpointColumns = `id, friendly_id, environment_id, type, status,
	idempotency_key, completed_after, completed_by_run_id,
	completed_by_batch_id, timeout_for_run_id, output, output_type,
	output_is_error, created_at, completed_at`

func scanWaitpoint(row interface{ Scan(...any) error }) (*model.Waitpoint, error) {
	wp := &model.Waitpoint{}
	var (
		idemKey, byRun, byBatch, timeoutFor, outputType sql.NullString
		completedAfter, completedAt                     sql.NullTime
	)
	err := row.Scan(
		&wp.ID, &wp.FriendlyID, &wp.EnvironmentID, &wp.Type, &wp.Status,
		&idemKey, &completedAfter, &byRun, &byBatch, &timeoutFor,
		&wp.Output, &outputType, &wp.OutputIsError,
		&wp.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	wp.IdempotencyKey = idemKey.String
	wp.CompletedByRunID = byRun.String
	wp.CompletedByBatchID = byBatch.String
	wp.TimeoutForRunID = timeoutFor.String
	wp.OutputType = outputType.String
	wp.CompletedAfter = timePtr(completedAfter)
	wp.CompletedAt = timePtr(completedAt)
	return wp, nil
}

// GetWaitpoint retrieves a waitpoint by internal id.
func (s *SQLiteStore) GetWaitpoint(ctx context.Context, id string) (*model.Waitpoint, error) {
	wp, err := scanWaitpoint(s.db.QueryRowContext(ctx,
		`SELECT `+waitpointColumns+` FROM waitpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWaitpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get waitpoint: %w", err)
	}
	return wp, nil
}

// GetWaitpointByIdempotencyKey looks up a waitpoint by its
// environment-scoped idempotency key.
func (s *SQLiteStore) GetWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*model.Waitpoint, error) {
	wp, err := scanWaitpoint(s.db.QueryRowContext(ctx,
		`SELECT `+waitpointColumns+` FROM waitpoints WHERE environment_id = ? AND idempotency_key = ?`,
		envID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWaitpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get waitpoint by idempotency key: %w", err)
	}
	return wp, nil
}

// CompleteWaitpoint marks a waitpoint COMPLETED. The transition happens
// exactly once: completing an already-completed waitpoint reports
// already=true and changes nothing.
func (s *SQLiteStore) CompleteWaitpoint(ctx context.Context, id string, output []byte, outputType string, isError bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE waitpoints SET
			status = ?, output = ?, output_type = ?, output_is_error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		model.WaitpointCompleted, output, nullStr(outputType), isError,
		time.Now().UTC(), id, model.WaitpointPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete waitpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	// Nothing updated: either already completed or missing.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM waitpoints WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrWaitpointNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check waitpoint status: %w", err)
	}
	return true, nil
}

// BlockRun records that the run references the given waitpoints. Duplicate
// references are ignored.
func (s *SQLiteStore) BlockRun(ctx context.Context, runID string, waitpointIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, wpID := range waitpointIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO run_waitpoints (run_id, waitpoint_id) VALUES (?, ?)`,
			runID, wpID); err != nil {
			return fmt.Errorf("insert run waitpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	return nil
}

// ClearRunWaitpoints removes the run's waitpoint references and returns
// the removed waitpoint ids, in reference order. Called on resume so the
// ids can be recorded on the unblocked snapshot.
func (s *SQLiteStore) ClearRunWaitpoints(ctx context.Context, runID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT waitpoint_id FROM run_waitpoints WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run waitpoints: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run waitpoint: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run waitpoints: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_waitpoints WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("clear run waitpoints: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", err)
	}
	return ids, nil
}

// PendingWaitpointCount counts the run's referenced waitpoints that are
// still PENDING. A run is blocked while this is non-zero. Timeout guards
// are excluded: they race the real conditions and never gate resumption
// themselves.
func (s *SQLiteStore) PendingWaitpointCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_waitpoints rw
		 JOIN waitpoints w ON w.id = rw.waitpoint_id
		 WHERE rw.run_id = ? AND w.status = ? AND w.timeout_for_run_id IS NULL`,
		runID, model.WaitpointPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending waitpoints: %w", err)
	}
	return n, nil
}

// BlockedRunIDs lists the runs that reference the given waitpoint.
func (s *SQLiteStore) BlockedRunIDs(ctx context.Context, waitpointID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM run_waitpoints WHERE waitpoint_id = ? ORDER BY rowid`, waitpointID)
	if err != nil {
		return nil, fmt.Errorf("list blocked runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked runs: %w", err)
	}
	return ids, nil
}

// DueDateTimeWaitpoints lists pending DATETIME waitpoints whose
// completed_after has passed.
func (s *SQLiteStore) DueDateTimeWaitpoints(ctx context.Context, now time.Time, limit int) ([]*model.Waitpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+waitpointColumns+` FROM waitpoints
		 WHERE type = ? AND status = ? AND completed_after <= ?
		 ORDER BY completed_after LIMIT ?`,
		model.WaitpointDateTime, model.WaitpointPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due waitpoints: %w", err)
	}
	defer rows.Close()

	var wps []*model.Waitpoint
	for rows.Next() {
		wp, err := scanWaitpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due waitpoint: %w", err)
		}
		wps = append(wps, wp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due waitpoints: %w", err)
	}
	return wps, nil
}
