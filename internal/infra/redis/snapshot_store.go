package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizito-client/internal/domain"
	"quizito-client/internal/protocol"
)

// SnapshotStore keeps the latest hydration snapshot per room in Redis so a
// restarted client on another host can resume with last-known state. Keys
// expire with the configured TTL; a live session refreshes them on every
// hydration.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

func (s *SnapshotStore) Save(ctx context.Context, roomID string, snap protocol.SessionHydrated) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(roomID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, roomID string) (protocol.SessionHydrated, error) {
	data, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return protocol.SessionHydrated{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return protocol.SessionHydrated{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap protocol.SessionHydrated
	if err := json.Unmarshal(data, &snap); err != nil {
		return protocol.SessionHydrated{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, s.key(roomID)).Err()
}

func (s *SnapshotStore) key(roomID string) string {
	return "quizito:session:" + roomID
}
