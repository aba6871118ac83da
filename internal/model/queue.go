package model

import "time"

// Queue type constants.
const (
	QueueTypeTask   = "task"
	QueueTypeCustom = "custom"
)

// Queue is a named concurrency domain scoped to an environment. The durable
// row is the source of truth for limits and pause state; live queued/running
// counts are owned by the run queue and reconciled against run rows.
type Queue struct {
	Name             string     `json:"name"`
	EnvironmentID    string     `json:"environment_id"`
	Type             string     `json:"type"`
	ConcurrencyLimit int        `json:"concurrency_limit"`
	BaseLimit        int        `json:"base_concurrency_limit"`
	Paused           bool       `json:"paused"`
	OverriddenBy     string     `json:"overridden_by,omitempty"`
	OverriddenAt     *time.Time `json:"overridden_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Overridden reports whether the queue's limit differs from its base limit
// because of an operator override.
func (q *Queue) Overridden() bool {
	return q.OverriddenBy != ""
}
