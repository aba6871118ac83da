package model

import "time"

// Run status constants. A run moves PENDING → QUEUED → EXECUTING, may bounce
// between EXECUTING and WAITING while blocked on waitpoints, and ends in
// exactly one terminal status.
const (
	RunPending   = "PENDING"
	RunQueued    = "QUEUED"
	RunExecuting = "EXECUTING"
	RunWaiting   = "WAITING"

	RunCompletedSuccessfully = "COMPLETED_SUCCESSFULLY"
	RunCompletedWithErrors   = "COMPLETED_WITH_ERRORS"
	RunCanceled              = "CANCELED"
	RunCrashed               = "CRASHED"
	RunSystemFailure         = "SYSTEM_FAILURE"
	RunExpired               = "EXPIRED"
	RunTimedOut              = "TIMED_OUT"
	RunInterrupted           = "INTERRUPTED"
)

// terminalStatuses is the set of final run statuses. Once a run reaches one
// of these no further snapshots may be appended for it.
var terminalStatuses = map[string]bool{
	RunCompletedSuccessfully: true,
	RunCompletedWithErrors:   true,
	RunCanceled:              true,
	RunCrashed:               true,
	RunSystemFailure:         true,
	RunExpired:               true,
	RunTimedOut:              true,
	RunInterrupted:           true,
}

// TerminalStatus reports whether the given run status is final.
func TerminalStatus(status string) bool {
	return terminalStatuses[status]
}

// validTransitions maps each non-terminal status to the set of statuses it
// may transition to. Every non-terminal status may additionally transition
// to any terminal status (cancellation, expiry, crash), checked separately.
var validTransitions = map[string]map[string]bool{
	RunPending: {
		RunQueued: true,
	},
	RunQueued: {
		RunExecuting: true,
		RunWaiting:   true, // blocked on waitpoints before dequeue
	},
	RunExecuting: {
		RunWaiting:   true,
		RunQueued:    true, // failed attempt re-queued for retry
		RunExecuting: true,
	},
	RunWaiting: {
		RunQueued:    true, // all waitpoints completed, re-enqueued
		RunExecuting: true, // resumed in place by an attached worker
	},
}

// ValidTransition reports whether a run may move from one status to another.
// Transitions out of a terminal status are never valid.
func ValidTransition(from, to string) bool {
	if TerminalStatus(from) {
		return false
	}
	if TerminalStatus(to) {
		return true
	}
	return validTransitions[from][to]
}

// RunError is the structured error recorded on a run that finished
// unsuccessfully. Distinct from engine errors, which surface only to the
// caller that issued the invalid request.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Run is one unit of triggered background work, tracked through to
// completion. Mutated only via snapshot transitions and the waitpoint
// coordinator.
type Run struct {
	ID             string     `json:"id"`
	FriendlyID     string     `json:"friendly_id"`
	EnvironmentID  string     `json:"environment_id"`
	ProjectID      string     `json:"project_id,omitempty"`
	OrgID          string     `json:"org_id"`
	QueueName      string     `json:"queue_name"`
	TaskID         string     `json:"task_id"`
	Status         string     `json:"status"`
	AttemptNumber  int        `json:"attempt_number"`
	MaxAttempts    int        `json:"max_attempts"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	PriorityMS     int64      `json:"priority_ms,omitempty"`
	BatchID        string     `json:"batch_id,omitempty"`
	CompletionWaitpointID string `json:"completion_waitpoint_id,omitempty"`
	DeadlineAt     *time.Time `json:"deadline_at,omitempty"`
	Output         []byte     `json:"output,omitempty"`
	Error          *RunError  `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
