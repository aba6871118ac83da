package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/queue"
	"github.com/pacerhq/pacer/internal/store"
)

// lease tracks one executing attempt. The snapshot id pins the lease to the
// attempt that took it: a lease whose snapshot is no longer the valid one
// is dead weight and is dropped without recovery.
type lease struct {
	snapshotID string
	envID      string
	queueName  string
	expiresAt  time.Time
}

func (e *Engine) grantLease(runID, snapshotID, envID, queueName string, interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leases[runID] = lease{
		snapshotID: snapshotID,
		envID:      envID,
		queueName:  queueName,
		expiresAt:  time.Now().UTC().Add(time.Duration(e.cfg.HeartbeatMisses) * interval),
	}
}

func (e *Engine) revokeLease(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.leases, runID)
}

// heartbeatInterval returns the interval currently handed to workers.
func (e *Engine) heartbeatInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hbInterval
}

// SetHeartbeatInterval adjusts the interval handed out on subsequent
// dequeues and heartbeats. Existing leases keep their granted deadline
// until their next heartbeat.
func (e *Engine) SetHeartbeatInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("heartbeat interval must be positive: %w", ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hbInterval = d
	return nil
}

// Heartbeat extends an attempt's lease under the worker's fencing token.
// A stale token means the run moved on without this worker (canceled,
// retried, resumed elsewhere); the worker must stop.
func (e *Engine) Heartbeat(ctx context.Context, runID, snapshotID string) (time.Duration, error) {
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return 0, err
	}
	if latest.ID != snapshotID {
		return 0, store.ErrStaleSnapshot
	}
	if latest.RunStatus != model.RunExecuting {
		return 0, store.ErrStaleSnapshot
	}

	e.mu.Lock()
	l, ok := e.leases[runID]
	interval := e.hbInterval
	e.mu.Unlock()

	if !ok || l.snapshotID != snapshotID {
		// Lease lost, most likely to a daemon restart. Re-admit the worker
		// since the durable record still names its snapshot as valid.
		run, gerr := e.store.GetRun(ctx, runID)
		if gerr != nil {
			return 0, gerr
		}
		l = lease{snapshotID: snapshotID, envID: run.EnvironmentID, queueName: run.QueueName}
	}
	l.expiresAt = time.Now().UTC().Add(time.Duration(e.cfg.HeartbeatMisses) * interval)

	e.mu.Lock()
	e.leases[runID] = l
	e.mu.Unlock()
	return interval, nil
}

// reapStaleLeases recovers attempts whose workers stopped heartbeating. A
// crashed attempt with retry budget left goes back on the queue as a new
// attempt; one without budget finishes as CRASHED.
func (e *Engine) reapStaleLeases(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var expired []string
	for runID, l := range e.leases {
		if !l.expiresAt.After(now) {
			expired = append(expired, runID)
		}
	}
	e.mu.Unlock()

	for _, runID := range expired {
		e.mu.Lock()
		l, ok := e.leases[runID]
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := e.recoverStale(ctx, runID, l); err != nil {
			e.logger.Error("recover stale attempt", "run_id", runID, "error", err)
		}
	}
}

func (e *Engine) recoverStale(ctx context.Context, runID string, l lease) error {
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if latest.ID != l.snapshotID || latest.RunStatus != model.RunExecuting {
		// The attempt already moved on without us; the lease is stale, not
		// the worker.
		e.revokeLease(runID)
		return nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	attemptsCrashed.Inc()

	if run.AttemptNumber < run.MaxAttempts {
		if _, err := e.transition(ctx, run, latest.ID, transitionArgs{
			runStatus:   model.RunQueued,
			execStatus:  model.ExecutionQueued,
			attempt:     latest.AttemptNumber,
			description: fmt.Sprintf("Attempt %d lost its heartbeat, retrying", latest.AttemptNumber),
		}); err != nil {
			return err
		}
		e.revokeLease(runID)
		if err := e.queue.Requeue(l.envID, l.queueName, runID, run.OrgID, queue.ScoreFor(time.Now().UTC(), run.PriorityMS)); err != nil {
			return fmt.Errorf("requeue crashed attempt: %w", err)
		}
		e.notifier.Wake(queue.KeyFor(l.envID, l.queueName))
		e.logger.Warn("attempt crashed, retrying", "run_id", runID, "attempt", latest.AttemptNumber)
		return nil
	}

	runErr := &model.RunError{
		Kind:    "CRASHED",
		Message: fmt.Sprintf("Attempt %d stopped heartbeating with no retries remaining", latest.AttemptNumber),
	}
	if _, err := e.transition(ctx, run, latest.ID, transitionArgs{
		runStatus:   model.RunCrashed,
		execStatus:  model.ExecutionFinished,
		attempt:     latest.AttemptNumber,
		description: "Run crashed after missed heartbeats",
		runError:    runErr,
	}); err != nil {
		return err
	}
	e.releaseRun(run)
	e.finishCompletionWaitpoint(ctx, run, nil, runErr)
	e.logger.Warn("run crashed", "run_id", runID, "attempt", latest.AttemptNumber)
	return nil
}
