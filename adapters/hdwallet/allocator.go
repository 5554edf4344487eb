package hdwallet

import (
	"context"
	"sync"
)

// IndexAllocator hands out HD account indices. Allocation must be atomic and
// monotonically increasing so concurrent payment intents never share a
// derived address; an index burned by a lost transition race is simply never
// reused.
type IndexAllocator interface {
	Next(ctx context.Context) (uint32, error)
}

// MemoryAllocator is an in-process allocator. Deployments with multiple
// instances back this with their database sequence instead.
type MemoryAllocator struct {
	mu   sync.Mutex
	next uint32
}

// NewMemoryAllocator creates an allocator starting at the given index, which
// lets a restarted process resume past previously issued indices.
func NewMemoryAllocator(start uint32) *MemoryAllocator {
	return &MemoryAllocator{next: start}
}

// Next atomically allocates the next index.
func (a *MemoryAllocator) Next(ctx context.Context) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := a.next
	a.next++
	return index, nil
}

// Ensure MemoryAllocator implements IndexAllocator.
var _ IndexAllocator = (*MemoryAllocator)(nil)
