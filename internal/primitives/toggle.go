package primitives

import (
	"context"
	"sync"
)

// Toggle is an on/off switch whose changes can be awaited. The zero value is
// an "off" toggle ready for use.
type Toggle struct {
	mu      sync.Mutex
	on      bool
	changes Signal
}

// NewToggle returns a toggle in the given initial state.
func NewToggle(on bool) *Toggle {
	return &Toggle{on: on}
}

// IsOn reports the current state.
func (t *Toggle) IsOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

// Turn sets the state, waking waiters if it changed.
func (t *Toggle) Turn(on bool) {
	t.mu.Lock()
	changed := t.on != on
	t.on = on
	t.mu.Unlock()

	if changed {
		t.changes.Notify()
	}
}

// Changed returns a channel closed on the next state change.
func (t *Toggle) Changed() <-chan struct{} {
	return t.changes.C()
}

// WaitFor blocks until the toggle is in the requested state or ctx is done.
func (t *Toggle) WaitFor(ctx context.Context, on bool) error {
	for {
		ch := t.changes.C()
		if t.IsOn() == on {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
