package supervisor

import (
	"context"
	"sync"
)

// Event is a broadcast flag: Wait blocks until Set, any number of waiters
// wake, and Clear re-arms it for the next cycle.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent returns an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set raises the flag and wakes all current waiters. Idempotent.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

// Clear re-arms the event. Idempotent.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

// IsSet reports the flag without blocking.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set or ctx ends.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	if e.set {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
