package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// dirtyState tracks what needs flushing for a single room.
type dirtyState struct {
	flushed int  // number of updates already in the backing store
	created bool // room created locally but not yet in backing store
}

// CachedStore wraps a backing UpdateStore with an in-memory cache.
// All reads and writes are served from the cache. Rooms with unflushed
// updates are written to the backing store periodically in the background.
type CachedStore struct {
	cache         *MemoryStore
	backing       UpdateStore
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty rooms to the backing store every flushInterval.
func NewCachedStore(backing UpdateStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, room string) error {
	if _, err := cs.backing.Get(ctx, room); err == nil {
		return ErrExists
	}
	if err := cs.cache.Create(ctx, room); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[room] = &dirtyState{created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, room string) (*RoomInfo, error) {
	info, err := cs.cache.Get(ctx, room)
	if err == nil {
		return info, nil
	}
	if err := cs.loadFromBacking(ctx, room); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, room)
}

// List reports the backing store's rooms. Rooms created since the last
// flush are not included.
func (cs *CachedStore) List(ctx context.Context) ([]RoomInfo, error) {
	return cs.backing.List(ctx)
}

func (cs *CachedStore) AppendUpdate(ctx context.Context, room string, blob []byte, seq int) error {
	if _, err := cs.Get(ctx, room); err != nil {
		return err
	}

	// A clean room was removed from the dirty map; everything it held
	// before this append is already flushed.
	cs.cache.mu.RLock()
	prevLen := len(cs.cache.rooms[room].log)
	cs.cache.mu.RUnlock()

	if err := cs.cache.AppendUpdate(ctx, room, blob, seq); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[room] == nil {
		cs.dirty[room] = &dirtyState{flushed: prevLen}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetUpdates(ctx context.Context, room string, fromSeq int) ([][]byte, error) {
	if _, err := cs.Get(ctx, room); err != nil {
		return nil, err
	}
	return cs.cache.GetUpdates(ctx, room, fromSeq)
}

// loadFromBacking copies a room and its log into the cache.
func (cs *CachedStore) loadFromBacking(ctx context.Context, room string) error {
	info, err := cs.backing.Get(ctx, room)
	if err != nil {
		return err
	}
	log, err := cs.backing.GetUpdates(ctx, room, 0)
	if err != nil {
		return err
	}
	info.Updates = len(log)

	cs.cache.mu.Lock()
	if _, exists := cs.cache.rooms[room]; !exists {
		cs.cache.rooms[room] = &roomRecord{info: *info, log: log}
	}
	cs.cache.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes every dirty room to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	snapshot := make(map[string]dirtyState, len(cs.dirty))
	for room, ds := range cs.dirty {
		snapshot[room] = *ds
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for room, ds := range snapshot {
		cs.cache.mu.RLock()
		rec, ok := cs.cache.rooms[room]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		var pending [][]byte
		if ds.flushed < len(rec.log) {
			pending = append(pending, rec.log[ds.flushed:]...)
		}
		cs.cache.mu.RUnlock()

		if ds.created {
			if err := cs.backing.Create(ctx, room); err != nil && !errors.Is(err, ErrExists) {
				glog.Warningf("cached store: create room %q in backing store: %v", room, err)
				continue
			}
			ds.created = false
		}

		for i, blob := range pending {
			seq := ds.flushed + i + 1
			if err := cs.backing.AppendUpdate(ctx, room, blob, seq); err != nil {
				glog.Warningf("cached store: flush update %d of room %q: %v", seq, room, err)
				break
			}
			ds.flushed = seq
		}

		cs.mu.Lock()
		if cur := cs.dirty[room]; cur != nil {
			cur.flushed = ds.flushed
			cur.created = ds.created
			cs.cache.mu.RLock()
			if r, ok := cs.cache.rooms[room]; ok && !cur.created && cur.flushed >= len(r.log) {
				delete(cs.dirty, room)
			}
			cs.cache.mu.RUnlock()
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
