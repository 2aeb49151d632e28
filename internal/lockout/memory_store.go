package lockout

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store for single-instance deployments and
// tests. Each identity has its own mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
}

type memoryEntry struct {
	mu    sync.Mutex
	state State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*memoryEntry)}
}

func (s *MemoryStore) Mutate(ctx context.Context, id uuid.UUID, fn func(*State)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &memoryEntry{}
		s.entries[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
	return nil
}
