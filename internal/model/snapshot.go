package model

import "time"

// Execution status constants recorded on snapshots. These describe where
// the run is in the execution pipeline, independent of its run status.
const (
	ExecutionQueued              = "QUEUED"
	ExecutionExecuting           = "EXECUTING"
	ExecutionBlockedByWaitpoints = "BLOCKED_BY_WAITPOINTS"
	ExecutionSuspended           = "SUSPENDED"
	ExecutionFinished            = "FINISHED"
)

// Snapshot is one immutable point in a run's lifecycle. Snapshots are
// append-only: transitioning a run invalidates the previous snapshot and
// inserts a new one; nothing is ever deleted. The snapshot id doubles as
// the fencing token a worker must present to act on the run.
type Snapshot struct {
	ID              string    `json:"id"`
	FriendlyID      string    `json:"friendly_id"`
	RunID           string    `json:"run_id"`
	ExecutionStatus string    `json:"execution_status"`
	RunStatus       string    `json:"run_status"`
	AttemptNumber   int       `json:"attempt_number"`
	IsValid         bool      `json:"is_valid"`
	Description     string    `json:"description"`
	CheckpointID    string    `json:"checkpoint_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// CompletedWaitpointIDs lists the waitpoints this snapshot resolved,
	// deduplicated by waitpoint id when loaded.
	CompletedWaitpointIDs []string `json:"completed_waitpoint_ids,omitempty"`
}

// DedupeWaitpointIDs folds duplicate waitpoint ids into one entry each,
// preserving first-seen order. A snapshot can reference the same waitpoint
// more than once through ordering changes; callers must see it once.
func DedupeWaitpointIDs(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
