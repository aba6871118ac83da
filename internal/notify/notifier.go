// Package notify provides the low-latency push channels the engine uses as
// an optimization over pure polling: a wake broker for long-polling
// dequeuers and a replication feed of run changes for downstream consumers.
package notify

import (
	"context"
	"sync"
)

// Notifier wakes long-poll dequeue callers when work may have become
// available on a queue. Wakes are coalesced: a wake delivered while no one
// is waiting satisfies the next Wait, so a waker never blocks and a waiter
// never misses a signal sent just before it arrived.
// It is safe for concurrent use.
type Notifier struct {
	mu     sync.Mutex
	topics map[string]*wakeTopic
}

type wakeTopic struct {
	waiters map[int]chan struct{}
	nextID  int
	pending bool
}

// NewNotifier creates a new wake notifier.
func NewNotifier() *Notifier {
	return &Notifier{topics: make(map[string]*wakeTopic)}
}

// Wake signals all current waiters on the queue key, or records a pending
// wake if none are waiting.
func (n *Notifier) Wake(queueKey string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[queueKey]
	if !ok || len(t.waiters) == 0 {
		if !ok {
			t = &wakeTopic{waiters: make(map[int]chan struct{})}
			n.topics[queueKey] = t
		}
		t.pending = true
		return
	}

	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
}

// Wait blocks until the queue key is woken or ctx is done. A pending wake
// is consumed immediately. Returns ctx.Err() on timeout/cancellation —
// callers treat that as "no work arrived", not a failure.
func (n *Notifier) Wait(ctx context.Context, queueKey string) error {
	n.mu.Lock()
	t, ok := n.topics[queueKey]
	if !ok {
		t = &wakeTopic{waiters: make(map[int]chan struct{})}
		n.topics[queueKey] = t
	}
	if t.pending {
		t.pending = false
		n.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	id := t.nextID
	t.nextID++
	t.waiters[id] = ch
	n.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(t.waiters, id)
		n.mu.Unlock()
		return ctx.Err()
	}
}
