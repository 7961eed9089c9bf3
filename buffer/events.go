package buffer

import (
	"context"
	"fmt"
	"sync"
)

// EventKind enumerates the kinds of Event emitted by a Store.
type EventKind int

const (
	// ReloadNeeded is emitted when a reload of the bound path is scheduled.
	ReloadNeeded EventKind = iota
	// Reloaded is emitted when reloaded content has been applied to the Document.
	Reloaded
	// Deleted is emitted when the bound path transitions to Deleted.
	Deleted
	// ConflictDetected is emitted when the bound path changed on disk while the
	// Document has unsaved edits. The caller decides the resolution.
	ConflictDetected
	// Renamed is emitted when the binding followed its file to a new path.
	Renamed
	// ReloadFailed is emitted when a read failed for reasons other than the
	// path not existing. The prior committed state is retained.
	ReloadFailed
)

func (k EventKind) String() string {
	switch k {
	case ReloadNeeded:
		return "ReloadNeeded"
	case Reloaded:
		return "Reloaded"
	case Deleted:
		return "Deleted"
	case ConflictDetected:
		return "ConflictDetected"
	case Renamed:
		return "Renamed"
	case ReloadFailed:
		return "ReloadFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event of a binding.
type Event struct {
	Kind   EventKind
	Handle Handle
	// Path of the binding at the time of the Event.
	Path string
}

// Subscription is an unbounded, ordered queue of Store Events. Emitting an
// Event never blocks the Store.
type Subscription struct {
	store  *Store
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

// Subscribe returns a Subscription to all future Store Events.
func (s *Store) Subscribe() *Subscription {
	var sub = &Subscription{store: s, signal: make(chan struct{}, 1)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

// Next blocks until an Event is available and returns it, or returns an
// error if the Subscription is closed or the context is done.
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		sub.mu.Lock()
		if len(sub.queue) != 0 {
			var ev = sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return ev, nil
		} else if sub.closed {
			sub.mu.Unlock()
			return Event{}, ErrSubscriptionClosed
		}
		sub.mu.Unlock()

		select {
		case <-sub.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close the Subscription. Queued Events are discarded.
func (sub *Subscription) Close() {
	sub.store.mu.Lock()
	delete(sub.store.subs, sub)
	sub.store.mu.Unlock()

	sub.mu.Lock()
	sub.closed, sub.queue = true, nil
	sub.mu.Unlock()

	sub.notify()
}

func (sub *Subscription) push(ev Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	sub.notify()
}

func (sub *Subscription) notify() {
	select {
	case sub.signal <- struct{}{}:
	default: // Already signaled.
	}
}

// emit an Event to all Subscriptions. The Store lock must be held.
func (s *Store) emit(kind EventKind, b *binding) {
	eventsTotal.WithLabelValues(kind.String()).Inc()

	var ev = Event{Kind: kind, Handle: b.handle, Path: b.path}
	for sub := range s.subs {
		sub.push(ev)
	}
}
