package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of UpdateStore.
// Rooms live in rooms/<name>, their logs in rooms/<name>/updates/<index>.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "rooms",
	}
}

func (s *FirestoreStore) roomRef(room string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(room)
}

func (s *FirestoreStore) updatesCollection(room string) *firestore.CollectionRef {
	return s.roomRef(room).Collection("updates")
}

func zeroPad(index int) string {
	return fmt.Sprintf("%010d", index)
}

func (s *FirestoreStore) Create(ctx context.Context, room string) error {
	now := time.Now()
	_, err := s.roomRef(room).Create(ctx, map[string]interface{}{
		"updates":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("room %q: %w", room, ErrExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, room string) (*RoomInfo, error) {
	snap, err := s.roomRef(room).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToRoomInfo(room, snap), nil
}

func snapshotToRoomInfo(room string, snap *firestore.DocumentSnapshot) *RoomInfo {
	data := snap.Data()
	updates, _ := data["updates"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &RoomInfo{
		Name:      room,
		Updates:   int(updates),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]RoomInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []RoomInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshotToRoomInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

// AppendUpdate writes the blob at 0-based index seq-1, so a retried append
// overwrites itself instead of duplicating.
func (s *FirestoreStore) AppendUpdate(ctx context.Context, room string, blob []byte, seq int) error {
	if seq < 1 {
		return fmt.Errorf("invalid seq %d", seq)
	}
	_, err := s.updatesCollection(room).Doc(zeroPad(seq-1)).Set(ctx, map[string]interface{}{
		"data": blob,
		"seq":  seq,
	})
	if err != nil {
		return err
	}
	_, err = s.roomRef(room).Update(ctx, []firestore.Update{
		{Path: "updates", Value: seq},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) GetUpdates(ctx context.Context, room string, fromSeq int) ([][]byte, error) {
	if _, err := s.Get(ctx, room); err != nil {
		return nil, err
	}

	iter := s.updatesCollection(room).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromSeq)).
		Documents(ctx)
	defer iter.Stop()

	var blobs [][]byte
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		data, ok := snap.Data()["data"].([]byte)
		if !ok {
			return nil, fmt.Errorf("invalid data field in update %s", snap.Ref.ID)
		}
		blobs = append(blobs, data)
	}
	return blobs, nil
}
