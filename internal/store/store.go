package store

import (
	"context"
	"errors"
	"time"

	"github.com/pacerhq/pacer/internal/model"
)

// Sentinel errors surfaced by the store. Fencing violations and not-found
// conditions are expected caller errors, never infrastructure faults.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrWaitpointNotFound = errors.New("waitpoint not found")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrQueueNotFound     = errors.New("queue not found")

	// ErrNoSnapshot means a run has never been initialized with a first
	// snapshot. Always a programming or data error, never recovered
	// silently.
	ErrNoSnapshot = errors.New("no execution snapshot for run")

	// ErrStaleSnapshot means the caller presented a fencing token that is
	// no longer the run's latest valid snapshot: it has been superseded
	// and must abort its local work.
	ErrStaleSnapshot = errors.New("stale execution snapshot")

	// ErrRunFinal means the run is in a terminal status; no further
	// snapshots may be appended.
	ErrRunFinal = errors.New("run is in a terminal status")
)

// Transition carries one snapshot append: the fencing token the caller
// believes is current, the new snapshot, and any run result that lands
// with it. The whole transition commits in one transaction.
type Transition struct {
	// ExpectedSnapshotID must match the run's latest valid snapshot id.
	// Empty means this is the run's first snapshot.
	ExpectedSnapshotID string

	Snapshot *model.Snapshot

	// Output and Error are applied to the run row on terminal transitions.
	Output []byte
	Error  *model.RunError
}

// RunRef identifies a run in a queue-truth listing with enough data to
// re-seed the coordination store.
type RunRef struct {
	RunID      string
	OrgID      string
	CreatedAt  time.Time
	PriorityMS int64
}

// QueueTruth is the durable store's authoritative view of one queue's
// queued and executing runs, used for drift repair.
type QueueTruth struct {
	Queued  []RunRef
	Running []RunRef
}

// Store defines the durable persistence operations for the run engine.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetRunByIdempotencyKey(ctx context.Context, envID, key string) (*model.Run, error)

	// Execution snapshots.
	AppendSnapshot(ctx context.Context, t Transition) error
	LatestSnapshot(ctx context.Context, runID string) (*model.Snapshot, error)

	// Waitpoints.
	CreateWaitpoint(ctx context.Context, wp *model.Waitpoint) error
	GetWaitpoint(ctx context.Context, id string) (*model.Waitpoint, error)
	GetWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*model.Waitpoint, error)
	CompleteWaitpoint(ctx context.Context, id string, output []byte, outputType string, isError bool) (already bool, err error)
	BlockRun(ctx context.Context, runID string, waitpointIDs []string) error
	ClearRunWaitpoints(ctx context.Context, runID string) ([]string, error)
	PendingWaitpointCount(ctx context.Context, runID string) (int, error)
	BlockedRunIDs(ctx context.Context, waitpointID string) ([]string, error)
	DueDateTimeWaitpoints(ctx context.Context, now time.Time, limit int) ([]*model.Waitpoint, error)

	// Batches.
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	BatchProgress(ctx context.Context, batchID string) (total, finished int, err error)
	CompleteBatch(ctx context.Context, id string) error

	// Queues.
	UpsertQueue(ctx context.Context, q *model.Queue) error
	GetQueue(ctx context.Context, envID, name string) (*model.Queue, error)
	ListQueues(ctx context.Context, envID string) ([]*model.Queue, error)

	// Reconciliation.
	QueueTruth(ctx context.Context, envID, name string) (*QueueTruth, error)
	EnvironmentIDs(ctx context.Context) ([]string, error)

	Close() error
}
