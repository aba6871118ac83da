package queue

import (
	"sort"
	"time"
)

// TruthRun is one run as reported by the durable store, used to reconcile
// the coordination store after drift.
type TruthRun struct {
	RunID string
	OrgID string
	Score int64 // unix milliseconds enqueue priority
}

// Truth is the durable store's view of a queue: which runs are actually
// queued and which are actually executing.
type Truth struct {
	Queued  []TruthRun
	Running []TruthRun
}

// RepairResult reports what a repair found and, unless dry-run, fixed.
type RepairResult struct {
	EnvironmentID string `json:"environment_id"`
	QueueName     string `json:"queue_name"`
	DryRun        bool   `json:"dry_run"`

	Before Counts `json:"before"`
	After  Counts `json:"after"`

	RemovedPending []string `json:"removed_pending,omitempty"`
	AddedPending   []string `json:"added_pending,omitempty"`
	RemovedRunning []string `json:"removed_running,omitempty"`
	AddedRunning   []string `json:"added_running,omitempty"`
}

// Drifted reports whether the repair found any disagreement between the
// two stores.
func (r *RepairResult) Drifted() bool {
	return len(r.RemovedPending) > 0 || len(r.AddedPending) > 0 ||
		len(r.RemovedRunning) > 0 || len(r.AddedRunning) > 0
}

// Repair reconciles one queue's coordination state against the durable
// store's truth. Drift is an accepted failure mode of the two-store design,
// so mismatches are corrected in place rather than treated as fatal. With
// dryRun the result reports what would change without mutating anything.
func (rq *RunQueue) Repair(envID, name string, truth Truth, dryRun bool) (*RepairResult, error) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok {
		return nil, ErrQueueNotFound
	}
	env := rq.envs[envID]

	res := &RepairResult{EnvironmentID: envID, QueueName: name, DryRun: dryRun}
	res.Before = Counts{
		Queued:  len(q.pending),
		Running: len(q.running),
		Limit:   q.limit,
		Paused:  q.paused,
	}
	if env != nil {
		res.Before.EnvRunning = len(env.running)
	}

	truthQueued := make(map[string]TruthRun, len(truth.Queued))
	for _, t := range truth.Queued {
		truthQueued[t.RunID] = t
	}
	truthRunning := make(map[string]TruthRun, len(truth.Running))
	for _, t := range truth.Running {
		truthRunning[t.RunID] = t
	}

	// Pending members the durable store no longer considers queued.
	for _, item := range q.pending {
		if _, ok := truthQueued[item.runID]; !ok {
			res.RemovedPending = append(res.RemovedPending, item.runID)
		}
	}
	// Queued runs missing from the pending set entirely.
	for _, t := range truth.Queued {
		if !q.members[t.RunID] && !q.running[t.RunID] {
			res.AddedPending = append(res.AddedPending, t.RunID)
		}
	}
	// Running members that are not actually executing: leaked slots.
	for runID := range q.running {
		if _, ok := truthRunning[runID]; !ok {
			res.RemovedRunning = append(res.RemovedRunning, runID)
		}
	}
	// Executing runs that hold no slot: under-counted concurrency.
	for _, t := range truth.Running {
		if !q.running[t.RunID] {
			res.AddedRunning = append(res.AddedRunning, t.RunID)
		}
	}

	if dryRun {
		res.After = res.Before
		return res, nil
	}

	for _, runID := range res.RemovedPending {
		rq.removeLocked(KeyFor(envID, name), runID)
	}
	for _, runID := range res.AddedPending {
		t := truthQueued[runID]
		item := pendingItem{runID: t.RunID, orgID: t.OrgID, score: t.Score}
		q.pending = append(q.pending, item)
		q.members[t.RunID] = true
	}
	sortPending(q)
	for _, runID := range res.RemovedRunning {
		delete(q.running, runID)
		if env != nil {
			delete(env.running, runID)
		}
	}
	for _, runID := range res.AddedRunning {
		q.running[runID] = true
		if env != nil {
			env.running[runID] = true
		}
	}

	res.After = Counts{
		Queued:  len(q.pending),
		Running: len(q.running),
		Limit:   q.limit,
		Paused:  q.paused,
	}
	if env != nil {
		res.After.EnvRunning = len(env.running)
	}
	return res, nil
}

// sortPending restores (score, runID) order after bulk inserts. Caller
// holds the lock.
func sortPending(q *queueState) {
	sort.Slice(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.score != b.score {
			return a.score < b.score
		}
		return a.runID < b.runID
	})
}

// ScoreFor converts a run's creation time and priority into its pending-set
// score. Priority pulls the score earlier, so higher-priority runs dequeue
// ahead of peers enqueued at the same moment.
func ScoreFor(createdAt time.Time, priorityMS int64) time.Time {
	return createdAt.Add(-time.Duration(priorityMS) * time.Millisecond)
}
