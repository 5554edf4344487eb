// Package store provides IntentStore implementations. The memory store is
// suitable for single-instance deployments and tests; distributed deployments
// implement settlement.IntentStore against a shared database, keeping the
// conditional-transition semantics.
package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/birdfund/settlement"
)

// Error is the store error class.
var Error = errs.Class("intent store")

// ErrNotFound is returned when no intent exists for an id.
var ErrNotFound = errs.Class("intent not found")

// Memory is a thread-safe in-memory intent store. Every read returns a clone;
// callers never share memory with stored state.
type Memory struct {
	mu      sync.Mutex
	intents map[uuid.UUID]*settlement.PaymentIntent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{intents: make(map[uuid.UUID]*settlement.PaymentIntent)}
}

// Create stores a new intent.
func (m *Memory) Create(ctx context.Context, intent *settlement.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.intents[intent.ID]; exists {
		return Error.New("intent %s already exists", intent.ID)
	}
	m.intents[intent.ID] = intent.Clone()
	return nil
}

// Get returns a copy of the intent.
func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*settlement.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound.New("%s", id)
	}
	return intent.Clone(), nil
}

// ListActive returns all intents in non-terminal state.
func (m *Memory) ListActive(ctx context.Context) ([]*settlement.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*settlement.PaymentIntent
	for _, intent := range m.intents {
		if !intent.Status.Terminal() {
			active = append(active, intent.Clone())
		}
	}
	return active, nil
}

// ListFlagged returns all intents frozen for operator review.
func (m *Memory) ListFlagged(ctx context.Context) ([]*settlement.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged []*settlement.PaymentIntent
	for _, intent := range m.intents {
		if intent.ReviewRequired {
			flagged = append(flagged, intent.Clone())
		}
	}
	return flagged, nil
}

// Transition applies a state change as one atomic conditional write. The
// mutation runs on a copy; nothing is committed unless the status still
// matches from and apply succeeds, so a failed apply never leaves a partially
// transitioned intent.
func (m *Memory) Transition(ctx context.Context, id uuid.UUID, from settlement.Status, apply func(*settlement.PaymentIntent) error) (*settlement.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound.New("%s", id)
	}
	if current.Status != from {
		return nil, settlement.ErrStale.New("intent %s is %s, expected %s", id, current.Status, from)
	}

	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, Error.Wrap(err)
	}
	m.intents[id] = next
	return next.Clone(), nil
}

// Annotate applies a non-transition mutation atomically.
func (m *Memory) Annotate(ctx context.Context, id uuid.UUID, apply func(*settlement.PaymentIntent) error) (*settlement.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound.New("%s", id)
	}

	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, Error.Wrap(err)
	}
	if next.Status != current.Status {
		return nil, Error.New("annotate must not change status (%s -> %s)", current.Status, next.Status)
	}
	m.intents[id] = next
	return next.Clone(), nil
}

// Ensure Memory implements IntentStore.
var _ settlement.IntentStore = (*Memory)(nil)
