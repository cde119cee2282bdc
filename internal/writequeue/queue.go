// Package writequeue coalesces pending writes and flushes them in the
// background, so edits feel instant while storage sees batched upserts.
// The queue is bound to the active session: switching users discards any
// writes still pending for the previous owner rather than leaking them
// into the next session.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/securelog"
	"github.com/tallybook/tallybook/internal/user"
)

const DefaultFlushInterval = 2 * time.Second

var (
	ErrNoActiveUser = errors.New("no active user")
	ErrFlushTimeout = errors.New("flush timed out")
)

// Storer is the slice of the record service the queue writes through.
type Storer interface {
	StoreBatch(ctx context.Context, collection string, items []record.Item, dek []byte, userID user.ID) error
}

type EventType int

const (
	EventFlushed EventType = iota
	EventFlushFailed
	EventDiscarded
)

func (t EventType) String() string {
	switch t {
	case EventFlushed:
		return "flushed"
	case EventFlushFailed:
		return "flush_failed"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Event describes a queue state change for observers (status lines, logs).
type Event struct {
	Type    EventType
	Count   int
	Pending int
	Err     error
}

type entryKey struct {
	collection string
	id         string
}

type entry struct {
	collection string
	id         string
	payload    any
}

// Queue buffers writes for the active user. Enqueueing the same
// (collection, id) twice before a flush keeps only the newest payload.
type Queue struct {
	store    Storer
	interval time.Duration

	// Notify, when set, receives flush and discard events. Called without
	// the queue mutex held. Optional.
	Notify func(Event)

	mu      sync.Mutex
	owner   user.ID
	dek     []byte
	entries map[entryKey]entry
}

func New(store Storer, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Queue{
		store:    store,
		interval: interval,
		entries:  make(map[entryKey]entry),
	}
}

// SetActiveUser binds the queue to userID. Pending writes for a different
// previous owner are discarded, never migrated.
func (q *Queue) SetActiveUser(userID user.ID, dek []byte) {
	q.mu.Lock()
	discarded := 0
	if q.owner != userID {
		discarded = len(q.entries)
		q.entries = make(map[entryKey]entry)
	}
	q.owner = userID
	q.dek = append([]byte(nil), dek...)
	q.mu.Unlock()

	if discarded > 0 {
		q.notify(Event{Type: EventDiscarded, Count: discarded})
	}
}

// ClearActiveUser unbinds the queue and discards anything still pending.
func (q *Queue) ClearActiveUser() {
	q.mu.Lock()
	discarded := len(q.entries)
	q.owner = ""
	for i := range q.dek {
		q.dek[i] = 0
	}
	q.dek = nil
	q.entries = make(map[entryKey]entry)
	q.mu.Unlock()

	if discarded > 0 {
		q.notify(Event{Type: EventDiscarded, Count: discarded})
	}
}

// Enqueue records a pending write for the active user. Last write wins per
// (collection, id).
func (q *Queue) Enqueue(collection, id string, payload any) error {
	if collection == "" || id == "" {
		return fmt.Errorf("collection and id are required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.owner == "" {
		return ErrNoActiveUser
	}
	q.entries[entryKey{collection, id}] = entry{collection: collection, id: id, payload: payload}
	return nil
}

// Pending reports how many coalesced writes are waiting.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops all pending writes without flushing them.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = make(map[entryKey]entry)
	q.mu.Unlock()
}

// FlushNow writes everything pending for the current owner and blocks until
// done or ctx expires. A deadline hit surfaces as ErrFlushTimeout so callers
// treat it as a failure, not a silent drop.
func (q *Queue) FlushNow(ctx context.Context) error {
	q.mu.Lock()
	if q.owner == "" || len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}

	// Snapshot and take ownership of the pending set. Writes that land while
	// the flush is in flight start a fresh batch.
	owner := q.owner
	dek := append([]byte(nil), q.dek...)
	snapshot := q.entries
	q.entries = make(map[entryKey]entry)
	q.mu.Unlock()

	err := q.write(ctx, owner, dek, snapshot)

	q.mu.Lock()
	if q.owner != owner {
		// Owner changed mid-flight: the snapshot belongs to a session that no
		// longer exists. Drop it regardless of the write outcome.
		q.mu.Unlock()
		q.notify(Event{Type: EventDiscarded, Count: len(snapshot), Err: err})
		return nil
	}
	if err != nil {
		// Re-queue what failed, but never clobber a newer payload.
		for key, e := range snapshot {
			if _, exists := q.entries[key]; !exists {
				q.entries[key] = e
			}
		}
		pending := len(q.entries)
		q.mu.Unlock()

		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ErrFlushTimeout, err)
		}
		securelog.Error("writequeue flush", err)
		q.notify(Event{Type: EventFlushFailed, Count: len(snapshot), Pending: pending, Err: err})
		return err
	}
	pending := len(q.entries)
	q.mu.Unlock()

	q.notify(Event{Type: EventFlushed, Count: len(snapshot), Pending: pending})
	return nil
}

// Run flushes on a fixed interval until ctx is cancelled, then makes one
// final best-effort flush so a clean shutdown loses nothing.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), q.interval)
			_ = q.FlushNow(flushCtx)
			cancel()
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, q.interval)
			_ = q.FlushNow(flushCtx)
			cancel()
		}
	}
}

func (q *Queue) write(ctx context.Context, owner user.ID, dek []byte, snapshot map[entryKey]entry) error {
	byCollection := make(map[string][]record.Item)
	for _, e := range snapshot {
		byCollection[e.collection] = append(byCollection[e.collection], record.Item{ID: e.id, Data: e.payload})
	}
	for collection, items := range byCollection {
		if err := q.store.StoreBatch(ctx, collection, items, dek, owner); err != nil {
			return fmt.Errorf("flush %s: %w", collection, err)
		}
	}
	return nil
}

func (q *Queue) notify(event Event) {
	if q.Notify != nil {
		q.Notify(event)
	}
}
