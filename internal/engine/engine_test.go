package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/notify"
	"github.com/pacerhq/pacer/internal/queue"
	"github.com/pacerhq/pacer/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rq := queue.New(queue.Options{DefaultQueueLimit: 10, DefaultEnvLimit: 100})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, rq, Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   3,
	}, logger)
}

func newFreshQueue() *queue.RunQueue {
	return queue.New(queue.Options{DefaultQueueLimit: 10, DefaultEnvLimit: 100})
}

func trigger(t *testing.T, e *Engine, req TriggerRequest) *model.Run {
	t.Helper()
	if req.EnvironmentID == "" {
		req.EnvironmentID = "env_1"
	}
	if req.OrgID == "" {
		req.OrgID = "org_1"
	}
	if req.TaskID == "" {
		req.TaskID = "send-email"
	}
	run, err := e.Trigger(context.Background(), req)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	return run
}

func dequeueOne(t *testing.T, e *Engine, envID, queueName string) *DequeuedRun {
	t.Helper()
	out, err := e.Dequeue(context.Background(), envID, queueName, 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Dequeue returned %d runs, want 1", len(out))
	}
	return out[0]
}

func mustStatus(t *testing.T, e *Engine, runID, want string) {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != want {
		t.Fatalf("run status = %s, want %s", run.Status, want)
	}
}

func TestTriggerQueuesRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	if run.Status != model.RunQueued {
		t.Errorf("status = %s, want QUEUED", run.Status)
	}
	if run.QueueName != "task/send-email" {
		t.Errorf("queue name = %q, want task/send-email", run.QueueName)
	}
	if run.CompletionWaitpointID == "" {
		t.Error("run has no completion waitpoint")
	}

	wp, err := e.store.GetWaitpoint(ctx, run.CompletionWaitpointID)
	if err != nil {
		t.Fatalf("GetWaitpoint: %v", err)
	}
	if wp.Type != model.WaitpointRun || wp.Status != model.WaitpointPending {
		t.Errorf("completion waitpoint = %s/%s, want RUN/PENDING", wp.Type, wp.Status)
	}

	// A durable queue row exists for the lazily created queue.
	q, err := e.store.GetQueue(ctx, "env_1", "task/send-email")
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if q.Type != model.QueueTypeTask {
		t.Errorf("queue type = %s, want task", q.Type)
	}
}

func TestTriggerIdempotency(t *testing.T) {
	e := newTestEngine(t)

	first := trigger(t, e, TriggerRequest{IdempotencyKey: "once"})
	second := trigger(t, e, TriggerRequest{IdempotencyKey: "once"})
	if second.ID != first.ID {
		t.Errorf("second trigger created run %s, want existing %s", second.ID, first.ID)
	}

	// A different environment may reuse the key.
	other := trigger(t, e, TriggerRequest{EnvironmentID: "env_2", IdempotencyKey: "once"})
	if other.ID == first.ID {
		t.Error("idempotency key leaked across environments")
	}
}

func TestDequeueAndComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	d := dequeueOne(t, e, "env_1", run.QueueName)
	if d.AttemptNumber != 1 {
		t.Errorf("attempt = %d, want 1", d.AttemptNumber)
	}
	if d.SnapshotID == "" {
		t.Fatal("dequeue returned no snapshot id")
	}
	mustStatus(t, e, run.ID, model.RunExecuting)

	got, err := e.Complete(ctx, run.ID, d.SnapshotID, CompleteRequest{Ok: true, Output: []byte(`{"sent":true}`)})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Status != model.RunCompletedSuccessfully {
		t.Errorf("status = %s, want COMPLETED_SUCCESSFULLY", got.Status)
	}
	if string(got.Output) != `{"sent":true}` {
		t.Errorf("output = %s", got.Output)
	}

	// The completion waitpoint resolved with the run's output.
	wp, err := e.store.GetWaitpoint(ctx, run.CompletionWaitpointID)
	if err != nil {
		t.Fatalf("GetWaitpoint: %v", err)
	}
	if wp.Status != model.WaitpointCompleted {
		t.Errorf("completion waitpoint status = %s, want COMPLETED", wp.Status)
	}
	if wp.OutputIsError {
		t.Error("successful run marked its waitpoint as error")
	}

	// The concurrency slot is free again.
	c, err := e.queue.Counts("env_1", run.QueueName)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Running != 0 {
		t.Errorf("running = %d after completion, want 0", c.Running)
	}
}

func TestCompleteRejectsStaleSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	d := dequeueOne(t, e, "env_1", run.QueueName)

	if _, err := e.Complete(ctx, run.ID, "snap_bogus", CompleteRequest{Ok: true}); !errors.Is(err, store.ErrStaleSnapshot) {
		t.Fatalf("Complete with bogus token = %v, want ErrStaleSnapshot", err)
	}
	mustStatus(t, e, run.ID, model.RunExecuting)

	if _, err := e.Complete(ctx, run.ID, d.SnapshotID, CompleteRequest{Ok: true}); err != nil {
		t.Fatalf("Complete with valid token: %v", err)
	}
}

func TestFailedAttemptRetries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{MaxAttempts: 2})
	d := dequeueOne(t, e, "env_1", run.QueueName)

	failed, err := e.Complete(ctx, run.ID, d.SnapshotID, CompleteRequest{
		Ok:    false,
		Error: &model.RunError{Kind: "Error", Message: "boom"},
	})
	if err != nil {
		t.Fatalf("Complete (fail): %v", err)
	}
	if failed.Status != model.RunQueued {
		t.Fatalf("status after first failure = %s, want QUEUED", failed.Status)
	}

	d2 := dequeueOne(t, e, "env_1", run.QueueName)
	if d2.AttemptNumber != 2 {
		t.Errorf("retry attempt = %d, want 2", d2.AttemptNumber)
	}

	final, err := e.Complete(ctx, run.ID, d2.SnapshotID, CompleteRequest{
		Ok:    false,
		Error: &model.RunError{Kind: "Error", Message: "boom again"},
	})
	if err != nil {
		t.Fatalf("Complete (final fail): %v", err)
	}
	if final.Status != model.RunCompletedWithErrors {
		t.Errorf("final status = %s, want COMPLETED_WITH_ERRORS", final.Status)
	}
	if final.Error == nil || final.Error.Message != "boom again" {
		t.Errorf("final error = %+v", final.Error)
	}
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	got, err := e.Cancel(ctx, run.ID, "operator request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.RunCanceled {
		t.Errorf("status = %s, want CANCELED", got.Status)
	}

	// Canceling again is a no-op.
	again, err := e.Cancel(ctx, run.ID, "")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Status != model.RunCanceled {
		t.Errorf("second cancel status = %s", again.Status)
	}

	// The run left the pending set and never dequeues.
	out, err := e.Dequeue(ctx, "env_1", run.QueueName, 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("canceled run was dequeued")
	}
}

func TestCancelExecutingRunStalesWorker(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	d := dequeueOne(t, e, "env_1", run.QueueName)

	if _, err := e.Cancel(ctx, run.ID, "shutdown"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The worker's next heartbeat and completion are rejected.
	if _, err := e.Heartbeat(ctx, run.ID, d.SnapshotID); !errors.Is(err, store.ErrStaleSnapshot) {
		t.Errorf("Heartbeat after cancel = %v, want ErrStaleSnapshot", err)
	}
	if _, err := e.Complete(ctx, run.ID, d.SnapshotID, CompleteRequest{Ok: true}); err == nil {
		t.Error("Complete after cancel succeeded, want error")
	}
	mustStatus(t, e, run.ID, model.RunCanceled)
}

func TestExpireDueRuns(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{TTL: 10 * time.Millisecond})

	// Not yet due.
	e.ExpireDueRuns(ctx, time.Now().UTC().Add(-time.Hour))
	mustStatus(t, e, run.ID, model.RunQueued)

	e.ExpireDueRuns(ctx, time.Now().UTC().Add(time.Hour))
	got, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "TTL_EXPIRED" {
		t.Errorf("error = %+v, want TTL_EXPIRED", got.Error)
	}

	// The completion waitpoint resolved as an error.
	wp, err := e.store.GetWaitpoint(ctx, run.CompletionWaitpointID)
	if err != nil {
		t.Fatalf("GetWaitpoint: %v", err)
	}
	if wp.Status != model.WaitpointCompleted || !wp.OutputIsError {
		t.Errorf("waitpoint = %s error=%v, want COMPLETED error", wp.Status, wp.OutputIsError)
	}
}

func TestDequeuedRunDoesNotExpire(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{TTL: 10 * time.Millisecond})
	dequeueOne(t, e, "env_1", run.QueueName)

	e.ExpireDueRuns(ctx, time.Now().UTC().Add(time.Hour))
	mustStatus(t, e, run.ID, model.RunExecuting)
}

func TestReplicationFeedObservesTransitions(t *testing.T) {
	e := newTestEngine(t)

	_, ch, cancel := e.Feed().Subscribe(0)
	defer cancel()

	run := trigger(t, e, TriggerRequest{})
	var queued notify.RunChange
	select {
	case queued = <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change after trigger")
	}
	if queued.RunID != run.ID || queued.Status != model.RunQueued {
		t.Errorf("first change = %+v", queued)
	}

	d := dequeueOne(t, e, "env_1", run.QueueName)
	select {
	case ev := <-ch:
		if ev.Status != model.RunExecuting || ev.SnapshotID != d.SnapshotID {
			t.Errorf("live change = %+v", ev)
		}
		if ev.Cursor <= queued.Cursor {
			t.Errorf("cursor did not advance: %d then %d", queued.Cursor, ev.Cursor)
		}
	case <-time.After(time.Second):
		t.Fatal("no live change after dequeue")
	}

	// A reconnect from the first cursor replays the later change.
	replay, _, cancel2 := e.Feed().Subscribe(queued.Cursor)
	defer cancel2()
	if len(replay) == 0 || replay[0].Status != model.RunExecuting {
		t.Errorf("replay from cursor %d = %+v", queued.Cursor, replay)
	}
}
