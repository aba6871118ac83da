// Package engine is the run engine core: it owns the execution-snapshot
// state machine, drives the run queue, coordinates waitpoints, and recovers
// crashed attempts via heartbeat leases.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/notify"
	"github.com/pacerhq/pacer/internal/queue"
	"github.com/pacerhq/pacer/internal/store"
)

// ErrInvalidTransition is returned when a requested run status transition
// is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid run status transition")

// ErrInvalidArgument wraps request validation failures so callers can
// distinguish them from infrastructure faults.
var ErrInvalidArgument = errors.New("invalid argument")

// Config holds the engine's tunables.
type Config struct {
	// HeartbeatInterval is handed to workers on dequeue and on every
	// heartbeat response; it can be adjusted at runtime.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals may elapse without a
	// heartbeat before an attempt is considered crashed.
	HeartbeatMisses int
	// ScanInterval paces the expiry, due-waitpoint, and lease scans.
	ScanInterval time.Duration
	// DefaultMaxAttempts applies to runs triggered without an explicit
	// retry budget.
	DefaultMaxAttempts int
	// ReconcileCron, when set, schedules a dry-run reconciliation of all
	// known environments on the given cron spec, logging any drift.
	ReconcileCron string
}

func (c *Config) fill() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 1
	}
}

// Engine coordinates run execution. All cross-instance state lives in the
// store and the run queue; the engine itself holds only heartbeat leases
// and background loop plumbing, so instances are interchangeable.
type Engine struct {
	store    store.Store
	queue    *queue.RunQueue
	notifier *notify.Notifier
	feed     *notify.Feed
	logger   *slog.Logger
	cfg      Config

	mu         sync.Mutex
	leases     map[string]lease
	hbInterval time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a run engine. Call Start to launch the background loops.
func New(s store.Store, rq *queue.RunQueue, cfg Config, logger *slog.Logger) *Engine {
	cfg.fill()
	return &Engine{
		store:      s,
		queue:      rq,
		notifier:   notify.NewNotifier(),
		feed:       notify.NewFeed(),
		logger:     logger,
		cfg:        cfg,
		leases:     make(map[string]lease),
		hbInterval: cfg.HeartbeatInterval,
	}
}

// Notifier returns the wake notifier for long-poll dequeue callers.
func (e *Engine) Notifier() *notify.Notifier {
	return e.notifier
}

// Feed returns the replication feed for downstream consumers.
func (e *Engine) Feed() *notify.Feed {
	return e.feed
}

// Start launches the expiry, due-waitpoint, and lease scan loops, plus the
// scheduled reconciliation job when configured.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Go(func() { e.scanLoop(ctx) })

	if e.cfg.ReconcileCron != "" {
		e.cron = cron.New()
		_, err := e.cron.AddFunc(e.cfg.ReconcileCron, func() {
			e.reconcileAll(context.Background())
		})
		if err != nil {
			return fmt.Errorf("schedule reconciliation: %w", err)
		}
		e.cron.Start()
	}
	return nil
}

// Stop halts the background loops and waits for them to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.wg.Wait()
}

// scanLoop drives the periodic maintenance work on one ticker: TTL expiry,
// due DATETIME waitpoints, and heartbeat lease timeouts.
func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.ExpireDueRuns(ctx, now.UTC())
			e.completeDueWaitpoints(ctx, now.UTC())
			e.reapStaleLeases(ctx, now.UTC())
		}
	}
}

// TriggerRequest describes one run to be queued.
type TriggerRequest struct {
	EnvironmentID  string
	OrgID          string
	ProjectID      string
	TaskID         string
	QueueName      string
	IdempotencyKey string
	Tags           []string
	PriorityMS     int64
	MaxAttempts    int
	TTL            time.Duration
	BatchID        string
}

// Trigger creates a run, its completion waitpoint, and its initial QUEUED
// snapshot, then admits it to the run queue. An idempotency key that
// already claimed a run in the environment returns the existing run
// unchanged.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*model.Run, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("trigger: task id is required: %w", ErrInvalidArgument)
	}
	if req.EnvironmentID == "" || req.OrgID == "" {
		return nil, fmt.Errorf("trigger: environment and org ids are required: %w", ErrInvalidArgument)
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.GetRunByIdempotencyKey(ctx, req.EnvironmentID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrRunNotFound) {
			return nil, err
		}
	}

	queueName := req.QueueName
	queueType := model.QueueTypeCustom
	if queueName == "" {
		queueName = "task/" + req.TaskID
		queueType = model.QueueTypeTask
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}

	now := time.Now().UTC()
	runID := model.NewID()

	// Every run owns a RUN-type completion waitpoint so parents and
	// batches can block on it.
	wpID := model.NewID()
	wp := &model.Waitpoint{
		ID:               wpID,
		FriendlyID:       model.FriendlyID(model.WaitpointIDPrefix, wpID),
		EnvironmentID:    req.EnvironmentID,
		Type:             model.WaitpointRun,
		Status:           model.WaitpointPending,
		CompletedByRunID: runID,
		CreatedAt:        now,
	}
	if err := e.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:                    runID,
		FriendlyID:            model.FriendlyID(model.RunIDPrefix, runID),
		EnvironmentID:         req.EnvironmentID,
		ProjectID:             req.ProjectID,
		OrgID:                 req.OrgID,
		QueueName:             queueName,
		TaskID:                req.TaskID,
		Status:                model.RunPending,
		MaxAttempts:           maxAttempts,
		IdempotencyKey:        req.IdempotencyKey,
		Tags:                  req.Tags,
		PriorityMS:            req.PriorityMS,
		BatchID:               req.BatchID,
		CompletionWaitpointID: wpID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.TTL > 0 {
		deadline := now.Add(req.TTL)
		run.DeadlineAt = &deadline
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := e.ensureQueue(ctx, req.EnvironmentID, queueName, queueType, now); err != nil {
		return nil, err
	}

	if _, err := e.transition(ctx, run, "", transitionArgs{
		runStatus:   model.RunQueued,
		execStatus:  model.ExecutionQueued,
		description: "Run was triggered and queued",
	}); err != nil {
		return nil, err
	}
	run.Status = model.RunQueued

	score := queue.ScoreFor(now, req.PriorityMS)
	if err := e.queue.Enqueue(req.EnvironmentID, queueName, runID, req.OrgID, score, run.DeadlineAt); err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	e.notifier.Wake(queue.KeyFor(req.EnvironmentID, queueName))
	runsTriggered.Inc()

	return run, nil
}

// ensureQueue makes sure a durable queue row exists, mirroring the
// coordination store's lazily created queue.
func (e *Engine) ensureQueue(ctx context.Context, envID, name, queueType string, now time.Time) error {
	_, err := e.store.GetQueue(ctx, envID, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrQueueNotFound) {
		return err
	}

	c, cerr := e.queue.Counts(envID, name)
	limit := c.Limit
	if cerr != nil || limit <= 0 {
		e.queue.EnsureQueue(envID, name, 0, false)
		c, _ = e.queue.Counts(envID, name)
		limit = c.Limit
	}
	return e.store.UpsertQueue(ctx, &model.Queue{
		EnvironmentID:    envID,
		Name:             name,
		Type:             queueType,
		ConcurrencyLimit: limit,
		BaseLimit:        limit,
		CreatedAt:        now,
	})
}

// DequeuedRun is one run released to a worker, with the fencing token and
// heartbeat contract it must honor.
type DequeuedRun struct {
	Run               *model.Run    `json:"run"`
	SnapshotID        string        `json:"snapshot_id"`
	AttemptNumber     int           `json:"attempt_number"`
	HeartbeatInterval time.Duration `json:"-"`
}

// Dequeue releases up to max admissible runs from a queue and transitions
// each to EXECUTING with a fresh attempt. An empty result means the queue
// is at capacity, paused, or empty — a normal outcome.
func (e *Engine) Dequeue(ctx context.Context, envID, queueName string, max int) ([]*DequeuedRun, error) {
	if max <= 0 {
		max = 1
	}

	items := e.queue.Dequeue(envID, queueName, max)
	var out []*DequeuedRun
	for _, item := range items {
		d, err := e.startAttempt(ctx, envID, queueName, item.RunID)
		if err != nil {
			// The run moved underneath us (canceled or expired between
			// admission and transition). Release the slot and move on.
			e.queue.Ack(envID, queueName, item.RunID)
			e.logger.Warn("dequeued run not executable", "run_id", item.RunID, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Engine) startAttempt(ctx context.Context, envID, queueName, runID string) (*DequeuedRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}

	// A snapshot carrying completed waitpoints is a resume: the suspended
	// attempt continues rather than a new one starting. A run that blocked
	// before its first attempt has nothing to resume.
	attempt := latest.AttemptNumber + 1
	desc := fmt.Sprintf("Attempt %d started", attempt)
	if len(latest.CompletedWaitpointIDs) > 0 && latest.AttemptNumber > 0 {
		attempt = latest.AttemptNumber
		desc = fmt.Sprintf("Attempt %d resumed", attempt)
	}
	snap, err := e.transition(ctx, run, latest.ID, transitionArgs{
		runStatus:   model.RunExecuting,
		execStatus:  model.ExecutionExecuting,
		attempt:     attempt,
		description: desc,
	})
	if err != nil {
		return nil, err
	}

	interval := e.heartbeatInterval()
	e.grantLease(runID, snap.ID, envID, queueName, interval)
	runsDequeued.Inc()

	run.Status = model.RunExecuting
	run.AttemptNumber = attempt
	return &DequeuedRun{
		Run:               run,
		SnapshotID:        snap.ID,
		AttemptNumber:     attempt,
		HeartbeatInterval: interval,
	}, nil
}

// CompleteRequest reports the outcome of an attempt.
type CompleteRequest struct {
	Ok     bool
	Output []byte
	Error  *model.RunError
}

// Complete finalizes an attempt under the caller's fencing token. A failed
// attempt with retry budget left is re-queued as a new attempt; otherwise
// the run finishes terminally and its completion waitpoint resolves.
func (e *Engine) Complete(ctx context.Context, runID, snapshotID string, req CompleteRequest) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if !req.Ok && run.AttemptNumber < run.MaxAttempts {
		return e.retryAttempt(ctx, run, snapshotID, req)
	}

	status := model.RunCompletedSuccessfully
	desc := "Run completed successfully"
	if !req.Ok {
		status = model.RunCompletedWithErrors
		desc = "Run failed with no retries remaining"
	}

	if _, err := e.transition(ctx, run, snapshotID, transitionArgs{
		runStatus:   status,
		execStatus:  model.ExecutionFinished,
		attempt:     run.AttemptNumber,
		description: desc,
		output:      req.Output,
		runError:    req.Error,
	}); err != nil {
		return nil, err
	}

	e.releaseRun(run)
	e.finishCompletionWaitpoint(ctx, run, req.Output, req.Error)

	return e.store.GetRun(ctx, runID)
}

func (e *Engine) retryAttempt(ctx context.Context, run *model.Run, snapshotID string, req CompleteRequest) (*model.Run, error) {
	if _, err := e.transition(ctx, run, snapshotID, transitionArgs{
		runStatus:   model.RunQueued,
		execStatus:  model.ExecutionQueued,
		attempt:     run.AttemptNumber,
		description: fmt.Sprintf("Attempt %d failed, retrying", run.AttemptNumber),
		runError:    req.Error,
	}); err != nil {
		return nil, err
	}

	e.releaseRun(run)
	score := queue.ScoreFor(time.Now().UTC(), run.PriorityMS)
	if err := e.queue.Enqueue(run.EnvironmentID, run.QueueName, run.ID, run.OrgID, score, nil); err != nil {
		return nil, fmt.Errorf("re-enqueue run: %w", err)
	}
	e.notifier.Wake(queue.KeyFor(run.EnvironmentID, run.QueueName))

	return e.store.GetRun(ctx, run.ID)
}

// Cancel transitions a run to CANCELED using the latest snapshot as the
// fencing token. A worker still executing the run will have its next
// heartbeat rejected. Canceling an already-finished run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if model.TerminalStatus(run.Status) {
		return run, nil
	}
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "Run was canceled"
	}
	runErr := &model.RunError{Kind: "CANCELED", Message: reason}
	if _, err := e.transition(ctx, run, latest.ID, transitionArgs{
		runStatus:   model.RunCanceled,
		execStatus:  model.ExecutionFinished,
		attempt:     latest.AttemptNumber,
		description: reason,
		runError:    runErr,
	}); err != nil {
		return nil, err
	}

	e.queue.Remove(run.EnvironmentID, run.QueueName, runID)
	e.releaseRun(run)
	e.finishCompletionWaitpoint(ctx, run, nil, runErr)

	return e.store.GetRun(ctx, runID)
}

// ExpireDueRuns scans the TTL set and transitions every run whose deadline
// passed while still queued to EXPIRED. No ack is required: expired runs
// never held a concurrency slot.
func (e *Engine) ExpireDueRuns(ctx context.Context, now time.Time) {
	for _, m := range e.queue.ExpireDue(now) {
		run, err := e.store.GetRun(ctx, m.RunID)
		if err != nil {
			e.logger.Error("expire: load run", "run_id", m.RunID, "error", err)
			continue
		}
		latest, err := e.store.LatestSnapshot(ctx, m.RunID)
		if err != nil {
			e.logger.Error("expire: load snapshot", "run_id", m.RunID, "error", err)
			continue
		}
		runErr := &model.RunError{Kind: "TTL_EXPIRED", Message: "Run expired before it was dequeued"}
		if _, err := e.transition(ctx, run, latest.ID, transitionArgs{
			runStatus:   model.RunExpired,
			execStatus:  model.ExecutionFinished,
			attempt:     latest.AttemptNumber,
			description: "Run TTL elapsed while queued",
			runError:    runErr,
		}); err != nil {
			e.logger.Error("expire: transition", "run_id", m.RunID, "error", err)
			continue
		}
		e.finishCompletionWaitpoint(ctx, run, nil, runErr)
		runsExpired.Inc()
		e.logger.Info("run expired", "run_id", m.RunID, "queue", m.QueueKey)
	}
}

// releaseRun frees the run's concurrency slot and heartbeat lease.
func (e *Engine) releaseRun(run *model.Run) {
	e.queue.Ack(run.EnvironmentID, run.QueueName, run.ID)
	e.revokeLease(run.ID)
}

// finishCompletionWaitpoint resolves the run's RUN-type waitpoint and
// nudges its batch, waking anything blocked on either.
func (e *Engine) finishCompletionWaitpoint(ctx context.Context, run *model.Run, output []byte, runErr *model.RunError) {
	if run.CompletionWaitpointID != "" {
		var (
			payload []byte
			isErr   bool
		)
		if runErr != nil {
			isErr = true
			payload = []byte(fmt.Sprintf(`{"kind":%q,"message":%q}`, runErr.Kind, runErr.Message))
		} else {
			payload = output
		}
		if _, err := e.CompleteWaitpoint(ctx, run.CompletionWaitpointID, payload, "application/json", isErr); err != nil {
			e.logger.Error("complete run waitpoint", "run_id", run.ID, "error", err)
		}
	}
	if run.BatchID != "" {
		if _, err := e.ResumeBatch(ctx, run.BatchID); err != nil {
			e.logger.Error("resume batch", "batch_id", run.BatchID, "error", err)
		}
	}
}

type transitionArgs struct {
	runStatus    string
	execStatus   string
	attempt      int
	description  string
	checkpointID string
	completedWPs []string
	output       []byte
	runError     *model.RunError
}

// transition validates the state machine edge, appends the snapshot under
// the fencing token, and publishes the change to the replication feed.
func (e *Engine) transition(ctx context.Context, run *model.Run, expectedSnapshotID string, args transitionArgs) (*model.Snapshot, error) {
	from := run.Status
	if expectedSnapshotID != "" {
		latest, err := e.store.LatestSnapshot(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		from = latest.RunStatus
	}
	if !model.ValidTransition(from, args.runStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, args.runStatus)
	}

	id := model.NewID()
	snap := &model.Snapshot{
		ID:                    id,
		FriendlyID:            model.FriendlyID(model.SnapshotIDPrefix, id),
		RunID:                 run.ID,
		ExecutionStatus:       args.execStatus,
		RunStatus:             args.runStatus,
		AttemptNumber:         args.attempt,
		IsValid:               true,
		Description:           args.description,
		CheckpointID:          args.checkpointID,
		CompletedWaitpointIDs: args.completedWPs,
		CreatedAt:             time.Now().UTC(),
	}
	err := e.store.AppendSnapshot(ctx, store.Transition{
		ExpectedSnapshotID: expectedSnapshotID,
		Snapshot:           snap,
		Output:             args.output,
		Error:              args.runError,
	})
	if err != nil {
		return nil, err
	}

	e.feed.Publish(notify.RunChange{
		RunID:         run.ID,
		FriendlyID:    run.FriendlyID,
		EnvironmentID: run.EnvironmentID,
		Status:        args.runStatus,
		SnapshotID:    snap.ID,
		UpdatedAt:     snap.CreatedAt,
	})
	return snap, nil
}
