package ws

import (
	"context"

	"quizito-client/internal/protocol"
)

// SnapshotStore persists the latest hydration snapshot per room. Writing it
// is a pure side effect of hydration: the store is never a second source of
// truth, only a warm start for a restarted client.
type SnapshotStore interface {
	Save(ctx context.Context, roomID string, snap protocol.SessionHydrated) error
	Load(ctx context.Context, roomID string) (protocol.SessionHydrated, error)
	Delete(ctx context.Context, roomID string) error
}
