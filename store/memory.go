package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type roomRecord struct {
	info RoomInfo
	log  [][]byte
}

// MemoryStore is an in-memory implementation of UpdateStore.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*roomRecord)}
}

func (s *MemoryStore) Create(_ context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room]; exists {
		return fmt.Errorf("room %q: %w", room, ErrExists)
	}
	now := time.Now()
	s.rooms[room] = &roomRecord{
		info: RoomInfo{Name: room, CreatedAt: now, UpdatedAt: now},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, room string) (*RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rooms[room]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	info := rec.info
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]RoomInfo, 0, len(s.rooms))
	for _, rec := range s.rooms {
		result = append(result, rec.info)
	}
	return result, nil
}

func (s *MemoryStore) AppendUpdate(_ context.Context, room string, blob []byte, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	switch {
	case seq <= len(rec.log):
		return nil
	case seq != len(rec.log)+1:
		return fmt.Errorf("room %q: update %d out of order, log has %d", room, seq, len(rec.log))
	}
	rec.log = append(rec.log, append([]byte(nil), blob...))
	rec.info.Updates = seq
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetUpdates(_ context.Context, room string, fromSeq int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rooms[room]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	if fromSeq < 0 || fromSeq > len(rec.log) {
		return nil, fmt.Errorf("invalid seq %d", fromSeq)
	}
	out := make([][]byte, len(rec.log)-fromSeq)
	copy(out, rec.log[fromSeq:])
	return out, nil
}
