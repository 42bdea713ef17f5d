package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks running invocations for explicit cancellation.
// It maps correlation ids to their cancel functions, allowing a DELETE
// request to stop an invocation that is still in progress.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]context.CancelFunc),
	}
}

// Register adds an in-flight invocation. It returns false, and registers
// nothing, when id is already in flight.
func (r *InFlightRegistry) Register(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[id]; dup {
		return false
	}
	r.entries[id] = cancel
	return true
}

// Cancel cancels an in-flight invocation by calling its cancel function.
// Returns true if the id was found, false if it was not registered (either
// already completed or never existed).
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Remove removes an invocation from the registry without cancelling it.
// Called when the invocation completes normally.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of registered invocations.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
