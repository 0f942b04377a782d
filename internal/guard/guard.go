// Package guard provides a per-conversation mutual exclusion guard.
//
// Unlike a mutex, acquisition never blocks: an in-flight exchange on a
// conversation causes later requests for the same conversation to be
// rejected outright, so clients see an explicit collision instead of
// silently serialized latency.
package guard

import "sync"

// Guard tracks which conversation ids currently have an exchange in
// flight.
type Guard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{held: make(map[string]struct{})}
}

// TryAcquire claims id. Returns false without blocking if id is already
// held; the caller must reject the request rather than wait.
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[id]; busy {
		return false
	}
	g.held[id] = struct{}{}
	return true
}

// Release frees id. Releasing an id that is not held is a no-op.
func (g *Guard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, id)
}

// InFlight returns the number of conversations currently held.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
