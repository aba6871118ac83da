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

// truthFor converts the durable store's queue listing into the run queue's
// repair input.
func truthFor(t *store.QueueTruth) queue.Truth {
	out := queue.Truth{
		Queued:  make([]queue.TruthRun, 0, len(t.Queued)),
		Running: make([]queue.TruthRun, 0, len(t.Running)),
	}
	for _, r := range t.Queued {
		out.Queued = append(out.Queued, queue.TruthRun{
			RunID: r.RunID,
			OrgID: r.OrgID,
			Score: queue.ScoreFor(r.CreatedAt, r.PriorityMS).UnixMilli(),
		})
	}
	for _, r := range t.Running {
		out.Running = append(out.Running, queue.TruthRun{
			RunID: r.RunID,
			OrgID: r.OrgID,
			Score: queue.ScoreFor(r.CreatedAt, r.PriorityMS).UnixMilli(),
		})
	}
	return out
}

// ensureLive seeds the coordination store's queue from its durable row when
// absent, replaying any operator override so the base limit survives.
func (e *Engine) ensureLive(envID string, q *model.Queue) {
	if _, err := e.queue.Counts(envID, q.Name); err == nil {
		return
	}
	e.queue.EnsureQueue(envID, q.Name, q.BaseLimit, q.Paused)
	if q.Overridden() {
		if err := e.queue.SetConcurrencyLimit(envID, q.Name, q.ConcurrencyLimit, q.OverriddenBy); err != nil {
			e.logger.Error("replay concurrency override", "environment_id", envID, "queue", q.Name, "error", err)
		}
	}
}

// RepairQueue reconciles one queue's coordination state against run rows.
// With dryRun the result reports drift without fixing it.
func (e *Engine) RepairQueue(ctx context.Context, envID, name string, dryRun bool) (*queue.RepairResult, error) {
	q, err := e.store.GetQueue(ctx, envID, name)
	if err != nil {
		return nil, err
	}
	e.ensureLive(envID, q)

	truth, err := e.store.QueueTruth(ctx, envID, name)
	if err != nil {
		return nil, err
	}
	res, err := e.queue.Repair(envID, name, truthFor(truth), dryRun)
	if err != nil {
		return nil, err
	}
	if res.Drifted() {
		queuesRepaired.Inc()
		e.logger.Warn("queue drift detected",
			"environment_id", envID, "queue", name, "dry_run", dryRun,
			"removed_pending", len(res.RemovedPending), "added_pending", len(res.AddedPending),
			"removed_running", len(res.RemovedRunning), "added_running", len(res.AddedRunning))
	}
	return res, nil
}

// RepairEnvironment repairs every queue known to the environment.
func (e *Engine) RepairEnvironment(ctx context.Context, envID string, dryRun bool) ([]*queue.RepairResult, error) {
	qs, err := e.store.ListQueues(ctx, envID)
	if err != nil {
		return nil, err
	}
	results := make([]*queue.RepairResult, 0, len(qs))
	for _, q := range qs {
		res, err := e.RepairQueue(ctx, envID, q.Name, dryRun)
		if err != nil {
			return nil, fmt.Errorf("repair %s: %w", q.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// reconcileAll runs a dry-run repair over every known environment, logging
// any drift. Scheduled via the reconcile cron.
func (e *Engine) reconcileAll(ctx context.Context) {
	envs, err := e.store.EnvironmentIDs(ctx)
	if err != nil {
		e.logger.Error("reconcile: list environments", "error", err)
		return
	}
	for _, envID := range envs {
		results, err := e.RepairEnvironment(ctx, envID, true)
		if err != nil {
			e.logger.Error("reconcile environment", "environment_id", envID, "error", err)
			continue
		}
		for _, res := range results {
			if res.Drifted() {
				e.logger.Warn("reconcile: drift", "environment_id", envID, "queue", res.QueueName)
			}
		}
	}
}

// Recover rebuilds the coordination store from durable state after a
// restart: queue limits and pause flags from queue rows, pending and
// running membership from run rows, and a fresh lease for every executing
// attempt so a silent worker is reaped on the normal schedule.
func (e *Engine) Recover(ctx context.Context) error {
	envs, err := e.store.EnvironmentIDs(ctx)
	if err != nil {
		return fmt.Errorf("recover: list environments: %w", err)
	}
	interval := e.heartbeatInterval()
	for _, envID := range envs {
		qs, err := e.store.ListQueues(ctx, envID)
		if err != nil {
			return fmt.Errorf("recover %s: %w", envID, err)
		}
		for _, q := range qs {
			if _, err := e.RepairQueue(ctx, envID, q.Name, false); err != nil {
				return fmt.Errorf("recover %s/%s: %w", envID, q.Name, err)
			}
			truth, err := e.store.QueueTruth(ctx, envID, q.Name)
			if err != nil {
				return err
			}
			for _, r := range truth.Running {
				latest, err := e.store.LatestSnapshot(ctx, r.RunID)
				if err != nil {
					e.logger.Error("recover: load snapshot", "run_id", r.RunID, "error", err)
					continue
				}
				e.grantLease(r.RunID, latest.ID, envID, q.Name, interval)
			}
			e.notifier.Wake(queue.KeyFor(envID, q.Name))
		}
	}
	e.logger.Info("coordination state recovered", "environments", len(envs))
	return nil
}

// QueueReport compares the durable store's view of a queue with the live
// coordination counts.
type QueueReport struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Paused         bool   `json:"paused"`
	Limit          int    `json:"limit"`
	BaseLimit      int    `json:"base_limit"`
	Overridden     bool   `json:"overridden"`
	OverriddenBy   string `json:"overridden_by,omitempty"`
	DurableQueued  int    `json:"durable_queued"`
	DurableRunning int    `json:"durable_running"`
	LiveQueued     int    `json:"live_queued"`
	LiveRunning    int    `json:"live_running"`
	Drifted        bool   `json:"drifted"`

	QueuedRunIDs  []string `json:"queued_run_ids,omitempty"`
	RunningRunIDs []string `json:"running_run_ids,omitempty"`
}

// EnvironmentReport summarizes one environment's queues.
type EnvironmentReport struct {
	EnvironmentID string         `json:"environment_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Queues        []*QueueReport `json:"queues"`
	DriftedQueues int            `json:"drifted_queues"`
}

// Report builds a drift report for an environment. When names is empty all
// of the environment's queues are included; verbose adds run id listings.
func (e *Engine) Report(ctx context.Context, envID string, names []string, verbose bool) (*EnvironmentReport, error) {
	if len(names) == 0 {
		qs, err := e.store.ListQueues(ctx, envID)
		if err != nil {
			return nil, err
		}
		for _, q := range qs {
			names = append(names, q.Name)
		}
	}

	rep := &EnvironmentReport{
		EnvironmentID: envID,
		GeneratedAt:   time.Now().UTC(),
	}
	for _, name := range names {
		q, err := e.store.GetQueue(ctx, envID, name)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", name, err)
		}
		truth, err := e.store.QueueTruth(ctx, envID, name)
		if err != nil {
			return nil, err
		}

		qr := &QueueReport{
			Name:           name,
			Type:           q.Type,
			Paused:         q.Paused,
			Limit:          q.ConcurrencyLimit,
			BaseLimit:      q.BaseLimit,
			Overridden:     q.Overridden(),
			OverriddenBy:   q.OverriddenBy,
			DurableQueued:  len(truth.Queued),
			DurableRunning: len(truth.Running),
		}
		if c, err := e.queue.Counts(envID, name); err == nil {
			qr.LiveQueued = c.Queued
			qr.LiveRunning = c.Running
			qr.Paused = c.Paused
		}
		qr.Drifted = qr.LiveQueued != qr.DurableQueued || qr.LiveRunning != qr.DurableRunning
		if qr.Drifted {
			rep.DriftedQueues++
		}
		if verbose {
			for _, r := range truth.Queued {
				qr.QueuedRunIDs = append(qr.QueuedRunIDs, r.RunID)
			}
			for _, r := range truth.Running {
				qr.RunningRunIDs = append(qr.RunningRunIDs, r.RunID)
			}
		}
		rep.Queues = append(rep.Queues, qr)
	}
	return rep, nil
}

// PauseQueue stops a queue admitting executions and persists the flag.
func (e *Engine) PauseQueue(ctx context.Context, envID, name string) error {
	return e.setQueuePaused(ctx, envID, name, true)
}

// ResumeQueue re-enables admission and wakes long-poll dequeuers.
func (e *Engine) ResumeQueue(ctx context.Context, envID, name string) error {
	if err := e.setQueuePaused(ctx, envID, name, false); err != nil {
		return err
	}
	e.notifier.Wake(queue.KeyFor(envID, name))
	return nil
}

func (e *Engine) setQueuePaused(ctx context.Context, envID, name string, paused bool) error {
	q, err := e.store.GetQueue(ctx, envID, name)
	if err != nil {
		return err
	}
	e.ensureLive(envID, q)
	var qerr error
	if paused {
		qerr = e.queue.Pause(envID, name)
	} else {
		qerr = e.queue.Resume(envID, name)
	}
	if qerr != nil {
		return qerr
	}
	q.Paused = paused
	return e.store.UpsertQueue(ctx, q)
}

// SetQueueConcurrency overrides a queue's concurrency limit, recording the
// operator in both stores.
func (e *Engine) SetQueueConcurrency(ctx context.Context, envID, name string, limit int, by string) error {
	if limit <= 0 {
		return fmt.Errorf("concurrency limit must be positive: %w", ErrInvalidArgument)
	}
	q, err := e.store.GetQueue(ctx, envID, name)
	if err != nil {
		return err
	}
	e.ensureLive(envID, q)
	if err := e.queue.SetConcurrencyLimit(envID, name, limit, by); err != nil {
		return err
	}

	now := time.Now().UTC()
	q.ConcurrencyLimit = limit
	q.OverriddenBy = by
	q.OverriddenAt = &now
	if err := e.store.UpsertQueue(ctx, q); err != nil {
		return err
	}
	e.notifier.Wake(queue.KeyFor(envID, name))
	return nil
}

// ResetQueueConcurrency restores the queue's base limit. Resetting a queue
// that was never overridden is an error.
func (e *Engine) ResetQueueConcurrency(ctx context.Context, envID, name string) (int, error) {
	q, err := e.store.GetQueue(ctx, envID, name)
	if err != nil {
		return 0, err
	}
	if !q.Overridden() {
		return 0, queue.ErrQueueNotOverridden
	}
	e.ensureLive(envID, q)

	restored, err := e.queue.ResetConcurrencyLimit(envID, name)
	if err != nil {
		if !errors.Is(err, queue.ErrQueueNotOverridden) {
			return 0, err
		}
		// The coordination store lost the override (restart); the durable
		// row still carries it, so restore from there.
		restored = q.BaseLimit
		e.queue.EnsureQueue(envID, name, restored, q.Paused)
	}

	q.ConcurrencyLimit = restored
	q.OverriddenBy = ""
	q.OverriddenAt = nil
	if err := e.store.UpsertQueue(ctx, q); err != nil {
		return 0, err
	}
	e.notifier.Wake(queue.KeyFor(envID, name))
	return restored, nil
}

// QueueDetails returns the durable queue row with live counts merged in.
func (e *Engine) QueueDetails(ctx context.Context, envID, name string) (*model.Queue, *queue.Counts, error) {
	q, err := e.store.GetQueue(ctx, envID, name)
	if err != nil {
		return nil, nil, err
	}
	c, err := e.queue.Counts(envID, name)
	if err != nil {
		if !errors.Is(err, queue.ErrQueueNotFound) {
			return nil, nil, err
		}
		c = queue.Counts{Limit: q.ConcurrencyLimit, Paused: q.Paused}
	}
	return q, &c, nil
}
