package model

import "time"

// Waitpoint type constants.
const (
	WaitpointManual   = "MANUAL"
	WaitpointDateTime = "DATETIME"
	WaitpointRun      = "RUN"
	WaitpointBatch    = "BATCH"
)

// Waitpoint status constants. PENDING → COMPLETED exactly once; completing
// an already-completed waitpoint is a no-op that reports success.
const (
	WaitpointPending   = "PENDING"
	WaitpointCompleted = "COMPLETED"
)

// Waitpoint is a named condition a run can block on until satisfied.
type Waitpoint struct {
	ID             string     `json:"id"`
	FriendlyID     string     `json:"friendly_id"`
	EnvironmentID  string     `json:"environment_id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CompletedAfter *time.Time `json:"completed_after,omitempty"`
	CompletedByRunID   string `json:"completed_by_run_id,omitempty"`
	CompletedByBatchID string `json:"completed_by_batch_id,omitempty"`
	// TimeoutForRunID marks this waitpoint as a timeout guard: its
	// completion force-resumes the named run regardless of what else the
	// run is blocked on.
	TimeoutForRunID string `json:"timeout_for_run_id,omitempty"`
	Output         []byte     `json:"output,omitempty"`
	OutputType     string     `json:"output_type,omitempty"`
	OutputIsError  bool       `json:"output_is_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Batch groups child runs under one BATCH waitpoint that completes when
// every member run reaches a terminal status.
type Batch struct {
	ID            string     `json:"id"`
	FriendlyID    string     `json:"friendly_id"`
	EnvironmentID string     `json:"environment_id"`
	WaitpointID   string     `json:"waitpoint_id"`
	RunCount      int        `json:"run_count"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
