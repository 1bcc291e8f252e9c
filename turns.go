package agentd

import (
	"context"
	"sync"
)

// turnRegistry tracks the single active turn per thread. Acquire fails
// while a turn is running, which is what makes concurrent sends to one
// thread fail fast instead of interleaving state.
type turnRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{active: make(map[string]context.CancelFunc)}
}

// acquire registers cancel as the active turn for threadID.
// Returns false when a turn is already running.
func (r *turnRegistry) acquire(threadID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[threadID]; busy {
		return false
	}
	r.active[threadID] = cancel
	return true
}

// release clears the active turn for threadID.
func (r *turnRegistry) release(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, threadID)
}

// stop cancels the active turn for threadID. Returns false when no turn
// is running.
func (r *turnRegistry) stop(threadID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[threadID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// running reports whether threadID has an active turn.
func (r *turnRegistry) running(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[threadID]
	return ok
}
