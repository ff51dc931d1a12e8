package queueing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

// errTimeout is returned by eventQueue.get when nothing arrived in time.
// It is a control signal, never logged.
var errTimeout = errors.New("queue get timed out")

// queueItem is either an eventItem or an endMarker.
type queueItem interface {
	queueItem()
}

// eventItem carries a real watch event.
type eventItem struct {
	event types.RawEvent
}

// endMarker tells a worker that no more events will come.
type endMarker struct{}

func (eventItem) queueItem() {}
func (endMarker) queueItem() {}

// eventQueue is an unbounded FIFO with a single consumer.
type eventQueue struct {
	mu    sync.Mutex
	items []queueItem
	ready chan struct{} // capacity 1, signalled on put
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) put(item queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

// get returns the next item, waiting at most timeout. It returns errTimeout
// if the queue stayed empty, or ctx.Err() if ctx is done first.
func (q *eventQueue) get(ctx context.Context, timeout time.Duration) (queueItem, error) {
	if item, ok := q.pop(); ok {
		return item, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if item, ok := q.pop(); ok {
				return item, nil
			}
		case <-timer.C:
			// A put may have raced with the timer.
			if item, ok := q.pop(); ok {
				return item, nil
			}
			return nil, errTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stream is a single object's queue of watch events plus its "replenished"
// flag, which is set whenever new events are queued so that a processor can
// notice that its current event is already stale.
type Stream struct {
	events      *eventQueue
	replenished *primitives.Flag
}

func newStream() *Stream {
	return &Stream{
		events:      newEventQueue(),
		replenished: primitives.NewFlag(),
	}
}
