package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/queue"
	"github.com/pacerhq/pacer/internal/store"
)

// CreateWaitpointRequest describes a waitpoint to create.
type CreateWaitpointRequest struct {
	EnvironmentID  string
	Type           string
	IdempotencyKey string
	CompletedAfter *time.Time
}

// CreateWaitpoint creates a MANUAL or DATETIME waitpoint. When an
// idempotency key is supplied and a waitpoint already claimed it in the
// environment, that waitpoint is returned instead, so a logical wait is
// registered exactly once under retries.
func (e *Engine) CreateWaitpoint(ctx context.Context, req CreateWaitpointRequest) (*model.Waitpoint, error) {
	switch req.Type {
	case model.WaitpointManual, model.WaitpointDateTime:
	default:
		return nil, fmt.Errorf("create waitpoint: unsupported type %q: %w", req.Type, ErrInvalidArgument)
	}
	if req.Type == model.WaitpointDateTime && req.CompletedAfter == nil {
		return nil, fmt.Errorf("create waitpoint: DATETIME requires completed_after: %w", ErrInvalidArgument)
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.GetWaitpointByIdempotencyKey(ctx, req.EnvironmentID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrWaitpointNotFound) {
			return nil, err
		}
	}

	id := model.NewID()
	wp := &model.Waitpoint{
		ID:             id,
		FriendlyID:     model.FriendlyID(model.WaitpointIDPrefix, id),
		EnvironmentID:  req.EnvironmentID,
		Type:           req.Type,
		Status:         model.WaitpointPending,
		IdempotencyKey: req.IdempotencyKey,
		CompletedAfter: req.CompletedAfter,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, err
	}
	return wp, nil
}

// BlockRequest describes one block operation: the fencing token, the
// waitpoints to wait on, an optional racing timeout, and an optional
// checkpoint reference saved by the worker before it suspended.
type BlockRequest struct {
	SnapshotID   string
	WaitpointIDs []string
	FailAfter    *time.Time
	CheckpointID string
}

// BlockRun suspends a run on the given waitpoints, under the caller's
// fencing token. An executing run gives back its concurrency slot (the
// worker that requested the wait may exit); a run blocked while still
// queued leaves the pending set so it cannot be dequeued. If FailAfter is
// set, a DATETIME timeout waitpoint joins the set so the run unblocks
// (with a timeout error) even if the awaited condition never completes.
// A CheckpointID marks the snapshot SUSPENDED: the worker saved resumable
// state before exiting.
func (e *Engine) BlockRun(ctx context.Context, runID string, req BlockRequest) (*model.Snapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	ids := model.DedupeWaitpointIDs(req.WaitpointIDs)
	for _, id := range ids {
		if _, err := e.store.GetWaitpoint(ctx, id); err != nil {
			return nil, err
		}
	}

	execStatus := model.ExecutionBlockedByWaitpoints
	if req.CheckpointID != "" {
		execStatus = model.ExecutionSuspended
	}

	// The fenced transition goes first: a stale token must reject the
	// block before any waitpoint references are recorded, or the orphaned
	// references would keep the run's pending count non-zero forever.
	snap, err := e.transition(ctx, run, req.SnapshotID, transitionArgs{
		runStatus:    model.RunWaiting,
		execStatus:   execStatus,
		attempt:      run.AttemptNumber,
		description:  fmt.Sprintf("Run blocked on %d waitpoint(s)", len(ids)),
		checkpointID: req.CheckpointID,
	})
	if err != nil {
		return nil, err
	}

	if req.FailAfter != nil {
		guardID := model.NewID()
		guard := &model.Waitpoint{
			ID:              guardID,
			FriendlyID:      model.FriendlyID(model.WaitpointIDPrefix, guardID),
			EnvironmentID:   run.EnvironmentID,
			Type:            model.WaitpointDateTime,
			Status:          model.WaitpointPending,
			CompletedAfter:  req.FailAfter,
			TimeoutForRunID: runID,
			CreatedAt:       time.Now().UTC(),
		}
		if err := e.store.CreateWaitpoint(ctx, guard); err != nil {
			e.requeueStrandedBlock(ctx, run)
			return nil, err
		}
		ids = append(ids, guardID)
	}

	if err := e.store.BlockRun(ctx, runID, ids); err != nil {
		e.requeueStrandedBlock(ctx, run)
		return nil, err
	}

	// A run blocked before dequeue leaves the pending set (and its TTL
	// entry); an executing one releases its slot and lease.
	if !e.queue.Remove(run.EnvironmentID, run.QueueName, runID) {
		e.releaseRun(run)
	}

	// The waitpoints may all have completed between the lookup and the
	// transition; evaluate immediately rather than waiting for the next
	// completion event.
	if err := e.resumeIfUnblocked(ctx, runID); err != nil {
		e.logger.Error("resume after block", "run_id", runID, "error", err)
	}
	return snap, nil
}

// requeueStrandedBlock recovers a run left WAITING with no waitpoint
// references by a failed block: the slot or pending entry is given back
// and, with nothing pending, the run re-queues immediately instead of
// waiting forever.
func (e *Engine) requeueStrandedBlock(ctx context.Context, run *model.Run) {
	if !e.queue.Remove(run.EnvironmentID, run.QueueName, run.ID) {
		e.releaseRun(run)
	}
	if err := e.resumeIfUnblocked(ctx, run.ID); err != nil {
		e.logger.Error("re-queue after failed block", "run_id", run.ID, "error", err)
	}
}

// CompleteWaitpoint marks the waitpoint COMPLETED and resumes every
// blocked run whose full waitpoint set is now satisfied. A timeout guard
// instead force-resumes its run, racing the real condition: whichever
// completes first drives resumption. Completing an already-completed
// waitpoint is a success no-op and triggers no resumption.
func (e *Engine) CompleteWaitpoint(ctx context.Context, waitpointID string, output []byte, outputType string, isError bool) (bool, error) {
	wp, err := e.store.GetWaitpoint(ctx, waitpointID)
	if err != nil {
		return false, err
	}
	already, err := e.store.CompleteWaitpoint(ctx, waitpointID, output, outputType, isError)
	if err != nil {
		return false, err
	}
	if already {
		return true, nil
	}
	waitpointsCompleted.Inc()

	if wp.TimeoutForRunID != "" {
		if err := e.resumeTimedOut(ctx, wp.TimeoutForRunID); err != nil {
			e.logger.Error("resume timed-out run", "run_id", wp.TimeoutForRunID, "waitpoint_id", waitpointID, "error", err)
		}
		return false, nil
	}

	blocked, err := e.store.BlockedRunIDs(ctx, waitpointID)
	if err != nil {
		return false, err
	}
	for _, runID := range blocked {
		if err := e.resumeIfUnblocked(ctx, runID); err != nil {
			e.logger.Error("resume blocked run", "run_id", runID, "waitpoint_id", waitpointID, "error", err)
		}
	}
	return false, nil
}

// resumeIfUnblocked re-enqueues a WAITING run once every waitpoint it
// references is completed. The unblocked snapshot records the completed
// waitpoint set.
func (e *Engine) resumeIfUnblocked(ctx context.Context, runID string) error {
	pending, err := e.store.PendingWaitpointCount(ctx, runID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if latest.RunStatus != model.RunWaiting {
		// Resumed by a competing completion, or never suspended.
		return nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	completed, err := e.store.ClearRunWaitpoints(ctx, runID)
	if err != nil {
		return err
	}

	if _, err := e.transition(ctx, run, latest.ID, transitionArgs{
		runStatus:    model.RunQueued,
		execStatus:   model.ExecutionQueued,
		attempt:      latest.AttemptNumber,
		description:  "All waitpoints completed, run re-queued",
		completedWPs: completed,
	}); err != nil {
		if errors.Is(err, store.ErrStaleSnapshot) || errors.Is(err, store.ErrRunFinal) {
			return nil // lost the race to another resumer or a cancel
		}
		return err
	}

	score := queue.ScoreFor(time.Now().UTC(), run.PriorityMS)
	if err := e.queue.Enqueue(run.EnvironmentID, run.QueueName, run.ID, run.OrgID, score, nil); err != nil {
		return fmt.Errorf("re-enqueue resumed run: %w", err)
	}
	e.notifier.Wake(queue.KeyFor(run.EnvironmentID, run.QueueName))
	return nil
}

// resumeTimedOut re-enqueues a WAITING run whose timeout guard fired,
// without waiting for the remaining waitpoints. The cleared waitpoints are
// recorded on the unblocked snapshot; the guard's error output tells the
// next attempt what happened.
func (e *Engine) resumeTimedOut(ctx context.Context, runID string) error {
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if latest.RunStatus != model.RunWaiting {
		return nil // the real condition won the race
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	cleared, err := e.store.ClearRunWaitpoints(ctx, runID)
	if err != nil {
		return err
	}
	if _, err := e.transition(ctx, run, latest.ID, transitionArgs{
		runStatus:    model.RunQueued,
		execStatus:   model.ExecutionQueued,
		attempt:      latest.AttemptNumber,
		description:  "Waitpoint timeout elapsed, run re-queued",
		completedWPs: cleared,
	}); err != nil {
		if errors.Is(err, store.ErrStaleSnapshot) || errors.Is(err, store.ErrRunFinal) {
			return nil
		}
		return err
	}

	score := queue.ScoreFor(time.Now().UTC(), run.PriorityMS)
	if err := e.queue.Enqueue(run.EnvironmentID, run.QueueName, run.ID, run.OrgID, score, nil); err != nil {
		return fmt.Errorf("re-enqueue timed-out run: %w", err)
	}
	e.notifier.Wake(queue.KeyFor(run.EnvironmentID, run.QueueName))
	return nil
}

// completeDueWaitpoints resolves DATETIME waitpoints whose timestamp has
// passed. Timeout guards complete as errors; plain duration waits complete
// normally. Called from the scan loop.
func (e *Engine) completeDueWaitpoints(ctx context.Context, now time.Time) {
	due, err := e.store.DueDateTimeWaitpoints(ctx, now, 100)
	if err != nil {
		e.logger.Error("list due waitpoints", "error", err)
		return
	}
	for _, wp := range due {
		output := []byte(fmt.Sprintf(`{"at":%q}`, now.Format(time.RFC3339)))
		isErr := false
		if wp.TimeoutForRunID != "" {
			output = []byte(fmt.Sprintf(`{"error":"TIMED_OUT","at":%q}`, now.Format(time.RFC3339)))
			isErr = true
		}
		if _, err := e.CompleteWaitpoint(ctx, wp.ID, output, "application/json", isErr); err != nil {
			e.logger.Error("complete due waitpoint", "waitpoint_id", wp.ID, "error", err)
		}
	}
}

// BatchResult is the outcome of a batch-completion check.
type BatchResult string

// Batch-completion outcomes. Pending is a legitimate, retryable outcome
// while child runs are still in flight, not an error.
const (
	BatchAlreadyCompleted BatchResult = "ALREADY_COMPLETED"
	BatchCompleted        BatchResult = "COMPLETED"
	BatchPending          BatchResult = "PENDING"
)

// CreateBatch registers a batch of runCount child runs and its BATCH
// waitpoint. Child runs join the batch by carrying its id at trigger time.
func (e *Engine) CreateBatch(ctx context.Context, envID string, runCount int) (*model.Batch, error) {
	if runCount <= 0 {
		return nil, fmt.Errorf("create batch: run count must be positive: %w", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	wpID := model.NewID()
	batchID := model.NewID()
	wp := &model.Waitpoint{
		ID:                 wpID,
		FriendlyID:         model.FriendlyID(model.WaitpointIDPrefix, wpID),
		EnvironmentID:      envID,
		Type:               model.WaitpointBatch,
		Status:             model.WaitpointPending,
		CompletedByBatchID: batchID,
		CreatedAt:          now,
	}
	if err := e.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, err
	}

	b := &model.Batch{
		ID:            batchID,
		FriendlyID:    model.FriendlyID(model.BatchIDPrefix, batchID),
		EnvironmentID: envID,
		WaitpointID:   wpID,
		RunCount:      runCount,
		CreatedAt:     now,
	}
	if err := e.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ResumeBatch checks whether all of a batch's member runs have finished
// and completes the batch waitpoint when they have.
func (e *Engine) ResumeBatch(ctx context.Context, batchID string) (BatchResult, error) {
	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if b.CompletedAt != nil {
		return BatchAlreadyCompleted, nil
	}

	total, finished, err := e.store.BatchProgress(ctx, batchID)
	if err != nil {
		return "", err
	}
	if total < b.RunCount || finished < total {
		return BatchPending, nil
	}

	if err := e.store.CompleteBatch(ctx, batchID); err != nil {
		return "", err
	}
	if _, err := e.CompleteWaitpoint(ctx, b.WaitpointID, []byte(fmt.Sprintf(`{"runs":%d}`, total)), "application/json", false); err != nil {
		return "", err
	}
	return BatchCompleted, nil
}
