package queueing

import (
	"sort"
	"sync"

	"github.com/ztaylor54/kopf/internal/identity"
	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

// registry maps object identities to their streams. An identity is present
// iff a worker for it is alive or about to be admitted.
//
// Every multi-step sequence that must not interleave with another actor is a
// single critical section here: the dispatcher's lookup-and-push, the idle
// worker's check-empty-and-delete.
type registry struct {
	mu      sync.Mutex
	streams map[identity.ObjectRef]*Stream
	changes *primitives.Signal
}

func newRegistry(changes *primitives.Signal) *registry {
	return &registry{
		streams: make(map[identity.ObjectRef]*Stream),
		changes: changes,
	}
}

// deliver queues the event on the object's stream, creating the stream if the
// object is not yet known. created reports whether a worker must be admitted.
func (r *registry) deliver(key identity.ObjectRef, event types.RawEvent) (stream *Stream, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, exists := r.streams[key]
	if !exists {
		stream = newStream()
		r.streams[key] = stream
	}
	stream.replenished.Set() // interrupt the worker's current batch or processing
	stream.events.put(eventItem{event: event})
	return stream, !exists
}

// removeIfIdle deletes the entry only if the stream is still the registered
// one and its queue is empty. A false result means new events arrived and the
// worker must keep going.
func (r *registry) removeIfIdle(key identity.ObjectRef, stream *Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stream.events.len() > 0 {
		return false
	}
	if r.streams[key] == stream {
		delete(r.streams, key)
	}
	return true
}

// remove deletes the entry if it still belongs to stream. Absence is tolerated.
func (r *registry) remove(key identity.ObjectRef, stream *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streams[key] == stream {
		delete(r.streams, key)
	}
}

// endAll pushes an end marker into every registered stream.
func (r *registry) endAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stream := range r.streams {
		stream.events.put(endMarker{})
	}
	return len(r.streams)
}

// notify wakes everyone waiting for registry or worker changes.
func (r *registry) notify() {
	r.changes.Notify()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *registry) has(key identity.ObjectRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[key]
	return ok
}

// keys returns the registered identities in a stable order.
func (r *registry) keys() []identity.ObjectRef {
	r.mu.Lock()
	keys := make([]identity.ObjectRef, 0, len(r.streams))
	for key := range r.streams {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
