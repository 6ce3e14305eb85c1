package store

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[docID]
	if !ok {
		return Snapshot{}, fmt.Errorf("doc %s: %w", docID, ErrSnapshotNotFound)
	}
	snap.Content = snap.Content.Clone()
	return snap, nil
}

func (s *MemoryStore) Store(ctx context.Context, snap Snapshot) error {
	snap.Content = snap.Content.Clone()
	s.mu.Lock()
	s.snaps[snap.DocID] = snap
	s.mu.Unlock()
	return nil
}
