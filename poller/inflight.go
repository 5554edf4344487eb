package poller

import (
	"sync"

	"github.com/google/uuid"
)

// singleFlight tracks intent ids with an active poll so overlapping cycles
// never process the same intent twice concurrently. Correctness does not
// depend on it (the store's conditional write is the real guard); it avoids
// duplicate adapter calls.
type singleFlight struct {
	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func newSingleFlight() *singleFlight {
	return &singleFlight{active: make(map[uuid.UUID]struct{})}
}

// TryAcquire marks the id in-flight. Returns false if another poll holds it.
func (sf *singleFlight) TryAcquire(id uuid.UUID) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if _, inFlight := sf.active[id]; inFlight {
		return false
	}
	sf.active[id] = struct{}{}
	return true
}

// Release removes the in-flight marker.
func (sf *singleFlight) Release(id uuid.UUID) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	delete(sf.active, id)
}

// hintSet coalesces wallet-callback hints until the next cycle drains them.
// Duplicate hints for the same intent collapse into one check.
type hintSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newHintSet() *hintSet {
	return &hintSet{ids: make(map[uuid.UUID]struct{})}
}

// Add records a hint for the intent.
func (h *hintSet) Add(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ids[id] = struct{}{}
}

// Drain returns and clears the hinted set.
func (h *hintSet) Drain() map[uuid.UUID]struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	drained := h.ids
	h.ids = make(map[uuid.UUID]struct{})
	return drained
}
