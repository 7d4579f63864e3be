package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("room not found")
	ErrExists   = errors.New("room already exists")
)

// RoomInfo holds room metadata. Updates is the length of the room's log.
type RoomInfo struct {
	Name      string
	Updates   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpdateStore persists the append-only update log of each relay room.
// Blobs are opaque to the store. Sequence numbers start at 1 and are
// contiguous; re-appending an already stored seq is a no-op.
// Implementations: MemoryStore, CachedStore, FirestoreStore, SQLiteStore.
type UpdateStore interface {
	Create(ctx context.Context, room string) error
	Get(ctx context.Context, room string) (*RoomInfo, error)
	List(ctx context.Context) ([]RoomInfo, error)
	AppendUpdate(ctx context.Context, room string, blob []byte, seq int) error
	GetUpdates(ctx context.Context, room string, fromSeq int) ([][]byte, error)
}

// LoadOrCreate returns the log of room, creating the room if it does not
// exist yet.
func LoadOrCreate(ctx context.Context, s UpdateStore, room string) ([][]byte, error) {
	if _, err := s.Get(ctx, room); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err := s.Create(ctx, room); err != nil && !errors.Is(err, ErrExists) {
			return nil, err
		}
		return nil, nil
	}
	return s.GetUpdates(ctx, room, 0)
}
