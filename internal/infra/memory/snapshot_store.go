package memory

import (
	"context"
	"sync"

	"quizito-client/internal/domain"
	"quizito-client/internal/protocol"
)

// SnapshotStore is an in-memory implementation of ws.SnapshotStore, used
// when no cache backend is configured and in tests.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]protocol.SessionHydrated
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]protocol.SessionHydrated)}
}

func (s *SnapshotStore) Save(_ context.Context, roomID string, snap protocol.SessionHydrated) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = snap
	return nil
}

func (s *SnapshotStore) Load(_ context.Context, roomID string) (protocol.SessionHydrated, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[roomID]
	if !ok {
		return protocol.SessionHydrated{}, domain.ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *SnapshotStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, roomID)
	return nil
}
