package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/store"
)

func TestHeartbeatExtendsLease(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	d := dequeueOne(t, e, "env_1", run.QueueName)

	interval, err := e.Heartbeat(ctx, run.ID, d.SnapshotID)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if interval != e.cfg.HeartbeatInterval {
		t.Errorf("interval = %v, want %v", interval, e.cfg.HeartbeatInterval)
	}

	// A freshly heartbeated lease survives a reap at its old deadline.
	e.reapStaleLeases(ctx, time.Now().UTC())
	mustStatus(t, e, run.ID, model.RunExecuting)
}

func TestHeartbeatRejectsStaleSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	dequeueOne(t, e, "env_1", run.QueueName)

	if _, err := e.Heartbeat(ctx, run.ID, "snap_old"); !errors.Is(err, store.ErrStaleSnapshot) {
		t.Errorf("Heartbeat with stale token = %v, want ErrStaleSnapshot", err)
	}
}

func TestHeartbeatIntervalAdjustable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	d := dequeueOne(t, e, "env_1", run.QueueName)

	if err := e.SetHeartbeatInterval(2 * time.Second); err != nil {
		t.Fatalf("SetHeartbeatInterval: %v", err)
	}
	interval, err := e.Heartbeat(ctx, run.ID, d.SnapshotID)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", interval)
	}

	if err := e.SetHeartbeatInterval(0); err == nil {
		t.Error("zero interval accepted, want error")
	}
}

func TestMissedHeartbeatsRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{MaxAttempts: 2})
	dequeueOne(t, e, "env_1", run.QueueName)

	// Well past three missed intervals.
	e.reapStaleLeases(ctx, time.Now().UTC().Add(time.Hour))
	mustStatus(t, e, run.ID, model.RunQueued)

	d2 := dequeueOne(t, e, "env_1", run.QueueName)
	if d2.AttemptNumber != 2 {
		t.Errorf("attempt after crash retry = %d, want 2", d2.AttemptNumber)
	}
}

func TestMissedHeartbeatsCrashTerminal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{MaxAttempts: 1})
	d := dequeueOne(t, e, "env_1", run.QueueName)

	e.reapStaleLeases(ctx, time.Now().UTC().Add(time.Hour))

	got, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunCrashed {
		t.Fatalf("status = %s, want CRASHED", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "CRASHED" {
		t.Errorf("error = %+v, want CRASHED kind", got.Error)
	}

	// The dead worker's late heartbeat is rejected.
	if _, err := e.Heartbeat(ctx, run.ID, d.SnapshotID); !errors.Is(err, store.ErrStaleSnapshot) {
		t.Errorf("late heartbeat = %v, want ErrStaleSnapshot", err)
	}

	// The completion waitpoint resolved as an error.
	wp, err := e.store.GetWaitpoint(ctx, run.CompletionWaitpointID)
	if err != nil {
		t.Fatalf("GetWaitpoint: %v", err)
	}
	if wp.Status != model.WaitpointCompleted || !wp.OutputIsError {
		t.Errorf("waitpoint = %s error=%v, want COMPLETED error", wp.Status, wp.OutputIsError)
	}

	// The concurrency slot is free.
	c, err := e.queue.Counts("env_1", run.QueueName)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Running != 0 {
		t.Errorf("running = %d after crash, want 0", c.Running)
	}
}

func TestReapIgnoresCompletedRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	run := trigger(t, e, TriggerRequest{})
	d := dequeueOne(t, e, "env_1", run.QueueName)
	if _, err := e.Complete(ctx, run.ID, d.SnapshotID, CompleteRequest{Ok: true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// The lease was revoked on completion; a reap finds nothing.
	e.reapStaleLeases(ctx, time.Now().UTC().Add(time.Hour))
	mustStatus(t, e, run.ID, model.RunCompletedSuccessfully)
}

func TestRecoverRebuildsStateAfterRestart(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	queued := trigger(t, e, TriggerRequest{TaskID: "a"})
	executing := trigger(t, e, TriggerRequest{TaskID: "b"})
	d := dequeueOne(t, e, "env_1", executing.QueueName)

	// A second engine over the same store starts with an empty
	// coordination store, as after a daemon restart.
	restarted := New(e.store, newFreshQueue(), Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   3,
	}, e.logger)
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// The queued run is dequeueable again.
	out, err := restarted.Dequeue(ctx, "env_1", queued.QueueName, 1)
	if err != nil {
		t.Fatalf("Dequeue after recover: %v", err)
	}
	if len(out) != 1 || out[0].Run.ID != queued.ID {
		t.Fatalf("dequeue after recover = %+v, want run %s", out, queued.ID)
	}

	// The executing run holds its slot and heartbeats keep working.
	c, err := restarted.queue.Counts("env_1", executing.QueueName)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Running != 1 {
		t.Errorf("recovered running = %d, want 1", c.Running)
	}
	if _, err := restarted.Heartbeat(ctx, executing.ID, d.SnapshotID); err != nil {
		t.Errorf("Heartbeat after recover: %v", err)
	}

	// A worker that died with the old daemon is reaped on schedule.
	restarted.reapStaleLeases(ctx, time.Now().UTC().Add(time.Hour))
	mustStatus(t, restarted, executing.ID, model.RunCrashed)
}
