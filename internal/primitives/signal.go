package primitives

import (
	"context"
	"sync"
)

// Signal is a broadcast change notification. Every Notify wakes all
// goroutines waiting on a channel obtained from C before the call.
//
// Waiters must take the channel before checking their condition:
//
//	for {
//		ch := sig.C()
//		if done() {
//			break
//		}
//		<-ch
//	}
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// C returns a channel that is closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// Flag is a settable/clearable boolean that can be waited on, like an event.
// The zero value is not usable; use NewFlag.
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewFlag returns a cleared flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set raises the flag and wakes all waiters. Setting a set flag is a no-op.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.set = true
		close(f.ch)
	}
}

// Clear lowers the flag.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		f.ch = make(chan struct{})
	}
}

// IsSet reports whether the flag is raised.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// C returns a channel that is closed once the flag is set. The channel of a
// set flag is already closed.
func (f *Flag) C() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// Wait blocks until the flag is set or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	select {
	case <-f.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
