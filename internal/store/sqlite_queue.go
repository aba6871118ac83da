package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pacerhq/pacer/internal/model"
)

// CreateBatch inserts a new batch row.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (
			id, friendly_id, environment_id, waitpoint_id, run_count, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.FriendlyID, b.EnvironmentID, b.WaitpointID, b.RunCount,
		b.CreatedAt, nullTime(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by internal id.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b := &model.Batch{}
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, friendly_id, environment_id, waitpoint_id, run_count, created_at, completed_at
		 FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.FriendlyID, &b.EnvironmentID, &b.WaitpointID, &b.RunCount, &b.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.CompletedAt = timePtr(completedAt)
	return b, nil
}

// BatchProgress reports how many of the batch's member runs exist and how
// many have reached a terminal status.
func (s *SQLiteStore) BatchProgress(ctx context.Context, batchID string) (int, int, error) {
	args := []any{
		model.RunCompletedSuccessfully, model.RunCompletedWithErrors,
		model.RunCanceled, model.RunCrashed, model.RunSystemFailure,
		model.RunExpired, model.RunTimedOut, model.RunInterrupted,
		batchID,
	}

	var total, finished int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN (?, ?, ?, ?, ?, ?, ?, ?) THEN 1 ELSE 0 END), 0)
		 FROM runs WHERE batch_id = ?`,
		args...,
	).Scan(&total, &finished)
	if err != nil {
		return 0, 0, fmt.Errorf("batch progress: %w", err)
	}
	return total, finished, nil
}

// CompleteBatch stamps the batch's completion time.
func (s *SQLiteStore) CompleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	return nil
}

// UpsertQueue inserts or replaces a durable queue row.
func (s *SQLiteStore) UpsertQueue(ctx context.Context, q *model.Queue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (
			environment_id, name, type, concurrency_limit, base_limit,
			paused, overridden_by, overridden_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(environment_id, name) DO UPDATE SET
			type = excluded.type,
			concurrency_limit = excluded.concurrency_limit,
			base_limit = excluded.base_limit,
			paused = excluded.paused,
			overridden_by = excluded.overridden_by,
			overridden_at = excluded.overridden_at`,
		q.EnvironmentID, q.Name, q.Type, q.ConcurrencyLimit, q.BaseLimit,
		q.Paused, nullStr(q.OverriddenBy), nullTime(q.OverriddenAt), q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert queue: %w", err)
	}
	return nil
}

func scanQueue(row interface{ Scan(...any) error }) (*model.Queue, error) {
	q := &model.Queue{}
	var (
		overriddenBy sql.NullString
		overriddenAt sql.NullTime
	)
	err := row.Scan(
		&q.EnvironmentID, &q.Name, &q.Type, &q.ConcurrencyLimit,
		&q.BaseLimit, &q.Paused, &overriddenBy, &overriddenAt, &q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.OverriddenBy = overriddenBy.String
	q.OverriddenAt = timePtr(overriddenAt)
	return q, nil
}

// GetQueue retrieves one durable queue row.
func (s *SQLiteStore) GetQueue(ctx context.Context, envID, name string) (*model.Queue, error) {
	q, err := scanQueue(s.db.QueryRowContext(ctx,
		`SELECT environment_id, name, type, concurrency_limit, base_limit,
			paused, overridden_by, overridden_at, created_at
		 FROM queues WHERE environment_id = ? AND name = ?`, envID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

// ListQueues lists the durable queue rows for an environment.
func (s *SQLiteStore) ListQueues(ctx context.Context, envID string) ([]*model.Queue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT environment_id, name, type, concurrency_limit, base_limit,
			paused, overridden_by, overridden_at, created_at
		 FROM queues WHERE environment_id = ? ORDER BY name`, envID)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*model.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return queues, nil
}

// EnvironmentIDs lists every environment that has created at least one
// queue, in stable order.
func (s *SQLiteStore) EnvironmentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT environment_id FROM queues ORDER BY environment_id`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan environment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return ids, nil
}

// QueueTruth computes the durable store's authoritative queued and
// executing run sets for one queue, the inputs to drift repair.
func (s *SQLiteStore) QueueTruth(ctx context.Context, envID, name string) (*QueueTruth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, status, created_at, priority_ms
		 FROM runs
		 WHERE environment_id = ? AND queue_name = ? AND status IN (?, ?)
		 ORDER BY created_at`,
		envID, name, model.RunQueued, model.RunExecuting)
	if err != nil {
		return nil, fmt.Errorf("queue truth: %w", err)
	}
	defer rows.Close()

	truth := &QueueTruth{}
	for rows.Next() {
		var (
			ref    RunRef
			status string
		)
		if err := rows.Scan(&ref.RunID, &ref.OrgID, &status, &ref.CreatedAt, &ref.PriorityMS); err != nil {
			return nil, fmt.Errorf("scan truth run: %w", err)
		}
		switch status {
		case model.RunQueued:
			truth.Queued = append(truth.Queued, ref)
		case model.RunExecuting:
			truth.Running = append(truth.Running, ref)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate truth runs: %w", err)
	}
	return truth, nil
}
