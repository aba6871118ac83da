// Package queue implements the concurrency-aware run queue over the fast
// coordination store. Every exported operation takes the store lock exactly
// once, so each call is one invariant-preserving atomic step: there is no
// window between checking capacity and reserving a slot.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pacerhq/pacer/internal/ttlcode"
)

// ErrQueueNotFound is returned for operations on a queue that was never
// created.
var ErrQueueNotFound = errors.New("queue not found")

// ErrQueueNotOverridden is returned when asked to reset a concurrency
// limit that was never overridden.
var ErrQueueNotOverridden = errors.New("queue concurrency limit not overridden")

// KeyFor builds the coordination-store key for a queue. The key is what
// crosses into TTL members and notifier topics.
func KeyFor(envID, name string) string {
	return envID + ":" + name
}

// Dequeued is one run released for execution.
type Dequeued struct {
	RunID string
	OrgID string
}

// Counts is a point-in-time view of one queue's coordination state.
type Counts struct {
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
	Limit   int    `json:"limit"`
	Paused  bool   `json:"paused"`
	EnvRunning int `json:"env_running"`
}

type pendingItem struct {
	runID string
	orgID string
	score int64 // unix milliseconds; lower dequeues first
}

type queueState struct {
	envID   string
	name    string
	pending []pendingItem // sorted by (score, runID)
	members map[string]bool
	running map[string]bool

	limit        int
	baseLimit    int
	paused       bool
	overridden   bool
	overriddenBy string
	overriddenAt time.Time
}

type envState struct {
	running map[string]bool
	limit   int
}

type ttlEntry struct {
	member string
	score  int64
}

// RunQueue is the in-process coordination store for run admission. Any
// number of engine goroutines may use it concurrently; one mutex serializes
// mutations the way a scripted store serializes script executions.
type RunQueue struct {
	mu     sync.Mutex
	queues map[string]*queueState
	envs   map[string]*envState

	ttl       []ttlEntry // sorted by (score, member)
	ttlByRun  map[string]string

	defaultQueueLimit int
	defaultEnvLimit   int
	clock             func() time.Time
}

// Options configure a RunQueue.
type Options struct {
	DefaultQueueLimit int
	DefaultEnvLimit   int
	Clock             func() time.Time
}

// New creates an empty run queue.
func New(opts Options) *RunQueue {
	if opts.DefaultQueueLimit <= 0 {
		opts.DefaultQueueLimit = 10
	}
	if opts.DefaultEnvLimit <= 0 {
		opts.DefaultEnvLimit = 100
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RunQueue{
		queues:            make(map[string]*queueState),
		envs:              make(map[string]*envState),
		ttlByRun:          make(map[string]string),
		defaultQueueLimit: opts.DefaultQueueLimit,
		defaultEnvLimit:   opts.DefaultEnvLimit,
		clock:             opts.Clock,
	}
}

// getOrCreate returns the queue state, creating it with defaults when
// absent. Caller holds the lock.
func (rq *RunQueue) getOrCreate(envID, name string) *queueState {
	key := KeyFor(envID, name)
	q, ok := rq.queues[key]
	if !ok {
		q = &queueState{
			envID:     envID,
			name:      name,
			members:   make(map[string]bool),
			running:   make(map[string]bool),
			limit:     rq.defaultQueueLimit,
			baseLimit: rq.defaultQueueLimit,
		}
		rq.queues[key] = q
	}
	if _, ok := rq.envs[envID]; !ok {
		rq.envs[envID] = &envState{
			running: make(map[string]bool),
			limit:   rq.defaultEnvLimit,
		}
	}
	return q
}

// EnsureQueue creates the queue with the given limit if it does not exist,
// and restores a persisted limit/pause state when it does. Used to seed the
// coordination store from durable queue rows at startup.
func (rq *RunQueue) EnsureQueue(envID, name string, limit int, paused bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q := rq.getOrCreate(envID, name)
	if limit > 0 {
		q.limit = limit
		q.baseLimit = limit
	}
	q.paused = paused
}

// Enqueue inserts the run into the queue's pending set, creating the queue
// with default limits if needed. Re-enqueueing a run that is already
// pending or running is a no-op. If deadline is non-nil the run is also
// registered in the TTL set for auto-expiry.
func (rq *RunQueue) Enqueue(envID, name, runID, orgID string, score time.Time, deadline *time.Time) error {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q := rq.getOrCreate(envID, name)
	if q.members[runID] || q.running[runID] {
		return nil
	}

	item := pendingItem{runID: runID, orgID: orgID, score: score.UnixMilli()}
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.score != item.score {
			return p.score > item.score
		}
		return p.runID > item.runID
	})
	q.pending = append(q.pending, pendingItem{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = item
	q.members[runID] = true

	if deadline != nil {
		member, err := ttlcode.Encode(ttlcode.Member{RunID: runID, QueueKey: KeyFor(envID, name), OrgID: orgID})
		if err != nil {
			// Roll the insert back so a bad identifier cannot strand a
			// pending member without its expiry guard.
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			delete(q.members, runID)
			return err
		}
		rq.insertTTL(ttlEntry{member: member, score: deadline.UnixMilli()})
		rq.ttlByRun[runID] = member
	}

	return nil
}

// insertTTL keeps the TTL set sorted by (score, member). Caller holds the lock.
func (rq *RunQueue) insertTTL(e ttlEntry) {
	idx := sort.Search(len(rq.ttl), func(i int) bool {
		t := rq.ttl[i]
		if t.score != e.score {
			return t.score > e.score
		}
		return t.member > e.member
	})
	rq.ttl = append(rq.ttl, ttlEntry{})
	copy(rq.ttl[idx+1:], rq.ttl[idx:])
	rq.ttl[idx] = e
}

// Dequeue pops up to max admissible runs from the queue's pending set and
// moves them into the running sets, reserving both a queue slot and an
// environment slot per run. Returns nil when the queue is paused, at
// capacity, or empty — all normal outcomes.
func (rq *RunQueue) Dequeue(envID, name string, max int) []Dequeued {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	key := KeyFor(envID, name)
	q, ok := rq.queues[key]
	if !ok || q.paused || len(q.pending) == 0 {
		return nil
	}
	env := rq.envs[envID]

	capacity := q.limit - len(q.running)
	if envCap := env.limit - len(env.running); envCap < capacity {
		capacity = envCap
	}
	if capacity <= 0 {
		return nil
	}
	n := min(max, min(capacity, len(q.pending)))
	if n <= 0 {
		return nil
	}

	out := make([]Dequeued, 0, n)
	for _, item := range q.pending[:n] {
		delete(q.members, item.runID)
		delete(rq.ttlByRun, item.runID)
		q.running[item.runID] = true
		env.running[item.runID] = true
		out = append(out, Dequeued{RunID: item.runID, OrgID: item.orgID})
	}
	q.pending = append(q.pending[:0], q.pending[n:]...)
	return out
}

// Ack removes a run from the running sets, freeing one queue slot and one
// environment slot. Reports whether the run held a slot.
func (rq *RunQueue) Ack(envID, name, runID string) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok || !q.running[runID] {
		return false
	}
	delete(q.running, runID)
	if env, ok := rq.envs[envID]; ok {
		delete(env.running, runID)
	}
	return true
}

// Requeue moves a running run back into the pending set, releasing its
// slots. Used when a crashed attempt is retried.
func (rq *RunQueue) Requeue(envID, name, runID, orgID string, score time.Time) error {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok {
		return ErrQueueNotFound
	}
	delete(q.running, runID)
	if env, ok := rq.envs[envID]; ok {
		delete(env.running, runID)
	}
	if q.members[runID] {
		return nil
	}

	item := pendingItem{runID: runID, orgID: orgID, score: score.UnixMilli()}
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.score != item.score {
			return p.score > item.score
		}
		return p.runID > item.runID
	})
	q.pending = append(q.pending, pendingItem{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = item
	q.members[runID] = true
	return nil
}

// Remove drops a run from the pending set without dequeuing it (cancel or
// expiry while queued). Reports whether the run was pending.
func (rq *RunQueue) Remove(envID, name, runID string) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.removeLocked(KeyFor(envID, name), runID)
}

func (rq *RunQueue) removeLocked(key, runID string) bool {
	q, ok := rq.queues[key]
	if !ok || !q.members[runID] {
		return false
	}
	delete(q.members, runID)
	delete(rq.ttlByRun, runID)
	for i, item := range q.pending {
		if item.runID == runID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return true
}

// ExpireDue scans the TTL set for members whose deadline has passed,
// removes each from its queue's pending set, and returns the decoded
// members so the caller can transition the runs to EXPIRED. Members whose
// run was already dequeued or removed are discarded silently.
func (rq *RunQueue) ExpireDue(now time.Time) []ttlcode.Member {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	cutoff := now.UnixMilli()
	var due []ttlcode.Member
	i := 0
	for ; i < len(rq.ttl); i++ {
		e := rq.ttl[i]
		if e.score > cutoff {
			break
		}
		m, err := ttlcode.Decode(e.member)
		if err != nil {
			continue // unreachable for members produced by Encode
		}
		if rq.ttlByRun[m.RunID] != e.member {
			continue // run left the pending set through normal dequeue
		}
		if rq.removeLocked(m.QueueKey, m.RunID) {
			due = append(due, m)
		}
	}
	rq.ttl = append(rq.ttl[:0], rq.ttl[i:]...)
	return due
}

// Pause stops the queue admitting new executions. Pending runs stay queued.
func (rq *RunQueue) Pause(envID, name string) error {
	return rq.setPaused(envID, name, true)
}

// Resume re-enables admission on a paused queue.
func (rq *RunQueue) Resume(envID, name string) error {
	return rq.setPaused(envID, name, false)
}

func (rq *RunQueue) setPaused(envID, name string, paused bool) error {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok {
		return ErrQueueNotFound
	}
	q.paused = paused
	return nil
}

// SetConcurrencyLimit overrides the queue's concurrency limit, recording
// who overrode it.
func (rq *RunQueue) SetConcurrencyLimit(envID, name string, limit int, by string) error {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok {
		return ErrQueueNotFound
	}
	q.limit = limit
	q.overridden = true
	q.overriddenBy = by
	q.overriddenAt = rq.clock()
	return nil
}

// ResetConcurrencyLimit restores the queue's base limit, failing with
// ErrQueueNotOverridden when no override is in place. Returns the restored
// limit.
func (rq *RunQueue) ResetConcurrencyLimit(envID, name string) (int, error) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok {
		return 0, ErrQueueNotFound
	}
	if !q.overridden {
		return 0, ErrQueueNotOverridden
	}
	q.limit = q.baseLimit
	q.overridden = false
	q.overriddenBy = ""
	q.overriddenAt = time.Time{}
	return q.limit, nil
}

// SetEnvConcurrencyLimit sets the environment-wide concurrency ceiling.
func (rq *RunQueue) SetEnvConcurrencyLimit(envID string, limit int) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	env, ok := rq.envs[envID]
	if !ok {
		env = &envState{running: make(map[string]bool)}
		rq.envs[envID] = env
	}
	env.limit = limit
}

// Counts returns the queue's live coordination counts.
func (rq *RunQueue) Counts(envID, name string) (Counts, error) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	q, ok := rq.queues[KeyFor(envID, name)]
	if !ok {
		return Counts{}, ErrQueueNotFound
	}
	c := Counts{
		Queued:  len(q.pending),
		Running: len(q.running),
		Limit:   q.limit,
		Paused:  q.paused,
	}
	if env, ok := rq.envs[envID]; ok {
		c.EnvRunning = len(env.running)
	}
	return c, nil
}

// Queues lists the queue names known for an environment.
func (rq *RunQueue) Queues(envID string) []string {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	var names []string
	for _, q := range rq.queues {
		if q.envID == envID {
			names = append(names, q.name)
		}
	}
	sort.Strings(names)
	return names
}
