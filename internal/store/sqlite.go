package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pacerhq/pacer/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id                      TEXT PRIMARY KEY,
    friendly_id             TEXT NOT NULL UNIQUE,
    environment_id          TEXT NOT NULL,
    project_id              TEXT,
    org_id                  TEXT NOT NULL,
    queue_name              TEXT NOT NULL,
    task_id                 TEXT NOT NULL,
    status                  TEXT NOT NULL,
    attempt_number          INTEGER NOT NULL DEFAULT 0,
    max_attempts            INTEGER NOT NULL DEFAULT 1,
    idempotency_key         TEXT,
    tags                    TEXT,
    priority_ms             INTEGER NOT NULL DEFAULT 0,
    batch_id                TEXT,
    completion_waitpoint_id TEXT,
    deadline_at             DATETIME,
    output                  BLOB,
    error_json              TEXT,
    created_at              DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL,
    started_at              DATETIME,
    finished_at             DATETIME,
    UNIQUE(environment_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_runs_queue ON runs(environment_id, queue_name, status);
CREATE INDEX IF NOT EXISTS idx_runs_batch ON runs(batch_id);

CREATE TABLE IF NOT EXISTS snapshots (
    id               TEXT PRIMARY KEY,
    friendly_id      TEXT NOT NULL UNIQUE,
    run_id           TEXT NOT NULL,
    execution_status TEXT NOT NULL,
    run_status       TEXT NOT NULL,
    attempt_number   INTEGER NOT NULL,
    is_valid         INTEGER NOT NULL DEFAULT 1,
    description      TEXT NOT NULL,
    checkpoint_id    TEXT,
    created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run_valid ON snapshots(run_id, is_valid);

CREATE TABLE IF NOT EXISTS snapshot_waitpoints (
    snapshot_id  TEXT NOT NULL,
    waitpoint_id TEXT NOT NULL,
    position     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshot_waitpoints ON snapshot_waitpoints(snapshot_id, position);

CREATE TABLE IF NOT EXISTS waitpoints (
    id                    TEXT PRIMARY KEY,
    friendly_id           TEXT NOT NULL UNIQUE,
    environment_id        TEXT NOT NULL,
    type                  TEXT NOT NULL,
    status                TEXT NOT NULL,
    idempotency_key       TEXT,
    completed_after       DATETIME,
    completed_by_run_id   TEXT,
    completed_by_batch_id TEXT,
    timeout_for_run_id    TEXT,
    output                BLOB,
    output_type           TEXT,
    output_is_error       INTEGER NOT NULL DEFAULT 0,
    created_at            DATETIME NOT NULL,
    completed_at          DATETIME,
    UNIQUE(environment_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_waitpoints_due ON waitpoints(type, status, completed_after);

CREATE TABLE IF NOT EXISTS run_waitpoints (
    run_id       TEXT NOT NULL,
    waitpoint_id TEXT NOT NULL,
    PRIMARY KEY (run_id, waitpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_run_waitpoints_wp ON run_waitpoints(waitpoint_id);

CREATE TABLE IF NOT EXISTS batches (
    id             TEXT PRIMARY KEY,
    friendly_id    TEXT NOT NULL UNIQUE,
    environment_id TEXT NOT NULL,
    waitpoint_id   TEXT NOT NULL,
    run_count      INTEGER NOT NULL,
    created_at     DATETIME NOT NULL,
    completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS queues (
    environment_id    TEXT NOT NULL,
    name              TEXT NOT NULL,
    type              TEXT NOT NULL,
    concurrency_limit INTEGER NOT NULL,
    base_limit        INTEGER NOT NULL,
    paused            INTEGER NOT NULL DEFAULT 0,
    overridden_by     TEXT,
    overridden_at     DATETIME,
    created_at        DATETIME NOT NULL,
    PRIMARY KEY (environment_id, name)
);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullStr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	var tags sql.NullString
	if len(r.Tags) > 0 {
		b, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		tags = nullStr(string(b))
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, friendly_id, environment_id, project_id, org_id, queue_name,
			task_id, status, attempt_number, max_attempts, idempotency_key,
			tags, priority_ms, batch_id, completion_waitpoint_id, deadline_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FriendlyID, r.EnvironmentID, nullStr(r.ProjectID), r.OrgID,
		r.QueueName, r.TaskID, r.Status, r.AttemptNumber, r.MaxAttempts,
		nullStr(r.IdempotencyKey), tags, r.PriorityMS, nullStr(r.BatchID),
		nullStr(r.CompletionWaitpointID), nullTime(r.DeadlineAt),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, friendly_id, environment_id, project_id, org_id, queue_name,
	task_id, status, attempt_number, max_attempts, idempotency_key, tags,
	priority_ms, batch_id, completion_waitpoint_id, deadline_at, output,
	error_json, created_at, updated_at, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	r := &model.Run{}
	var (
		projectID, idemKey, tags, batchID, completionWP, errJSON sql.NullString
		deadlineAt, startedAt, finishedAt                        sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.FriendlyID, &r.EnvironmentID, &projectID, &r.OrgID,
		&r.QueueName, &r.TaskID, &r.Status, &r.AttemptNumber, &r.MaxAttempts,
		&idemKey, &tags, &r.PriorityMS, &batchID, &completionWP, &deadlineAt,
		&r.Output, &errJSON, &r.CreatedAt, &r.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ProjectID = projectID.String
	r.IdempotencyKey = idemKey.String
	r.BatchID = batchID.String
	r.CompletionWaitpointID = completionWP.String
	r.DeadlineAt = timePtr(deadlineAt)
	r.StartedAt = timePtr(startedAt)
	r.FinishedAt = timePtr(finishedAt)
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if errJSON.Valid {
		r.Error = &model.RunError{}
		if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	return r, nil
}

// GetRun retrieves a run by internal id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetRunByIdempotencyKey looks up a run by its environment-scoped
// idempotency key. Returns ErrRunNotFound when no run claimed the key.
func (s *SQLiteStore) GetRunByIdempotencyKey(ctx context.Context, envID, key string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE environment_id = ? AND idempotency_key = ?`,
		envID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return r, nil
}

// AppendSnapshot appends a new execution snapshot for a run, enforcing the
// fencing rule: the caller's expected snapshot id must match the run's
// latest valid snapshot. The previous snapshot is invalidated, the new one
// inserted, and the run row updated, all in one transaction, preserving the
// at-most-one-valid-snapshot invariant.
func (s *SQLiteStore) AppendSnapshot(ctx context.Context, t Transition) error {
	snap := t.Snapshot

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latestID, latestStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT id, run_status FROM snapshots
		 WHERE run_id = ? AND is_valid = 1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, snap.RunID,
	).Scan(&latestID, &latestStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if t.ExpectedSnapshotID != "" {
			return ErrStaleSnapshot
		}
	case err != nil:
		return fmt.Errorf("load latest snapshot: %w", err)
	default:
		if model.TerminalStatus(latestStatus) {
			return ErrRunFinal
		}
		if t.ExpectedSnapshotID != latestID {
			return ErrStaleSnapshot
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET is_valid = 0 WHERE run_id = ? AND is_valid = 1`,
		snap.RunID); err != nil {
		return fmt.Errorf("invalidate snapshots: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (
			id, friendly_id, run_id, execution_status, run_status,
			attempt_number, is_valid, description, checkpoint_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		snap.ID, snap.FriendlyID, snap.RunID, snap.ExecutionStatus,
		snap.RunStatus, snap.AttemptNumber, snap.Description,
		nullStr(snap.CheckpointID), snap.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for i, wpID := range snap.CompletedWaitpointIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_waitpoints (snapshot_id, waitpoint_id, position) VALUES (?, ?, ?)`,
			snap.ID, wpID, i); err != nil {
			return fmt.Errorf("insert snapshot waitpoint: %w", err)
		}
	}

	// Mirror the transition onto the run row.
	var errJSON sql.NullString
	if t.Error != nil {
		b, err := json.Marshal(t.Error)
		if err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
		errJSON = nullStr(string(b))
	}

	now := snap.CreatedAt
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET
			status = ?,
			attempt_number = ?,
			updated_at = ?,
			started_at = CASE WHEN started_at IS NULL AND ? = 'EXECUTING' THEN ? ELSE started_at END,
			finished_at = CASE WHEN ? THEN ? ELSE finished_at END,
			output = COALESCE(?, output),
			error_json = COALESCE(?, error_json)
		WHERE id = ?`,
		snap.RunStatus, snap.AttemptNumber, now,
		snap.RunStatus, now,
		model.TerminalStatus(snap.RunStatus), now,
		t.Output, errJSON,
		snap.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// LatestSnapshot returns the run's most recent valid snapshot, including
// its completed-waitpoint set deduplicated by waitpoint id. Fails with
// ErrNoSnapshot if the run has never been initialized.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, runID string) (*model.Snapshot, error) {
	snap := &model.Snapshot{IsValid: true}
	var checkpoint sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, friendly_id, run_id, execution_status, run_status,
			attempt_number, description, checkpoint_id, created_at
		 FROM snapshots WHERE run_id = ? AND is_valid = 1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID,
	).Scan(
		&snap.ID, &snap.FriendlyID, &snap.RunID, &snap.ExecutionStatus,
		&snap.RunStatus, &snap.AttemptNumber, &snap.Description,
		&checkpoint, &snap.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	snap.CheckpointID = checkpoint.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT waitpoint_id FROM snapshot_waitpoints WHERE snapshot_id = ? ORDER BY position`,
		snap.ID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot waitpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan snapshot waitpoint: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot waitpoints: %w", err)
	}
	snap.CompletedWaitpointIDs = model.DedupeWaitpointIDs(ids)

	return snap, nil
}
