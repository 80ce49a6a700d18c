package store

import "sync"

// EventKind says what produced a change notification.
type EventKind string

const (
	// EventLocal fires after each committed local transaction.
	EventLocal EventKind = "local"
	// EventMerge fires after each merged sync batch.
	EventMerge EventKind = "merge"
)

// Event is delivered to subscribers after the producing transaction has
// committed. Consumers re-query the projections they care about; the event
// carries no row data.
type Event struct {
	Kind EventKind
}

// Listener receives change events. Called synchronously after commit; keep
// it fast and hand off real work to a goroutine.
type Listener func(Event)

type listenerRegistry struct {
	mu      sync.Mutex
	nextID  int
	entries map[int]Listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{entries: make(map[int]Listener)}
}

func (r *listenerRegistry) notify(e Event) {
	r.mu.Lock()
	listeners := make([]Listener, 0, len(r.entries))
	for _, l := range r.entries {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	r := s.listeners
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.entries[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
	}
}
