package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node
// development. Same optimistic versioning rules as the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) Read(ctx context.Context, entityID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	snap.State = snap.State.Clone()
	return &snap, nil
}

func (s *MemoryStore) Update(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.snaps[snap.EntityID]; ok && current.Version >= snap.Version {
		return fmt.Errorf("update state %s: %w", snap.EntityID, ErrVersionMismatch)
	}
	snap.State = snap.State.Clone()
	s.snaps[snap.EntityID] = snap
	return nil
}

// Seed installs a snapshot directly, bypassing the version check. Test
// hook.
func (s *MemoryStore) Seed(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.State = snap.State.Clone()
	s.snaps[snap.EntityID] = snap
}
