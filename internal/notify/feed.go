package notify

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each feed subscriber.
// Events are dropped for a subscriber that falls this far behind; the
// cursor lets it re-sync, and consumers deduplicate by (run id, updated_at)
// since delivery is at-least-once.
const subscriberBufferSize = 64

// defaultRingSize bounds how far back a reconnecting subscriber can replay.
const defaultRingSize = 1024

// RunChange is one replication feed event, emitted whenever a run row
// changes in the durable store.
type RunChange struct {
	Cursor        uint64    `json:"cursor"`
	RunID         string    `json:"run_id"`
	FriendlyID    string    `json:"friendly_id"`
	EnvironmentID string    `json:"environment_id"`
	Status        string    `json:"status"`
	SnapshotID    string    `json:"snapshot_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Feed fans run-change events out to subscribers, keeping a bounded replay
// ring so consumers can resume from a cursor after a reconnect.
// It is safe for concurrent use.
type Feed struct {
	mu     sync.Mutex
	ring   []RunChange
	next   uint64
	subs   map[int]chan RunChange
	nextID int
}

// NewFeed creates a replication feed with the default replay ring.
func NewFeed() *Feed {
	return &Feed{
		ring: make([]RunChange, 0, defaultRingSize),
		next: 1,
		subs: make(map[int]chan RunChange),
	}
}

// Publish assigns the event a cursor, appends it to the replay ring, and
// delivers it to all subscribers.
func (f *Feed) Publish(ev RunChange) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev.Cursor = f.next
	f.next++

	if len(f.ring) == cap(f.ring) {
		copy(f.ring, f.ring[1:])
		f.ring = f.ring[:len(f.ring)-1]
	}
	f.ring = append(f.ring, ev)

	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers; they recover via the cursor.
		}
	}
}

// Subscribe returns any buffered events after the given cursor, a live
// channel for subsequent events, and an unsubscribe function. Cursor 0
// means "from now".
func (f *Feed) Subscribe(cursor uint64) ([]RunChange, <-chan RunChange, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var backlog []RunChange
	if cursor > 0 {
		for _, ev := range f.ring {
			if ev.Cursor > cursor {
				backlog = append(backlog, ev)
			}
		}
	}

	ch := make(chan RunChange, subscriberBufferSize)
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return backlog, ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}
