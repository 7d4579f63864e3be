package server

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/alimasry/collab-getaway/protocol"
	"github.com/alimasry/collab-getaway/store"
)

type joinRequest struct {
	client *Client
	msg    protocol.Message
}

// Hub manages rooms and routes clients to the right room.
type Hub struct {
	store  store.UpdateStore
	fanout Fanout
	rooms  map[string]*Room
	mu     sync.RWMutex

	joinRoom chan joinRequest
	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub returns a hub persisting room logs to st. fanout may be nil for a
// single relay instance.
func NewHub(st store.UpdateStore, fanout Fanout) *Hub {
	return &Hub{
		store:    st,
		fanout:   fanout,
		rooms:    make(map[string]*Room),
		joinRoom: make(chan joinRequest, 64),
		stop:     make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.joinRoom:
			h.handleJoinRoom(req)
		case <-h.stop:
			return
		}
	}
}

// Shutdown stops the hub and every room, closing all client connections.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, r := range h.rooms {
			close(r.stop)
		}
	})
}

func (h *Hub) requestJoin(req joinRequest) {
	select {
	case h.joinRoom <- req:
	case <-h.stop:
	}
}

func (h *Hub) handleJoinRoom(req joinRequest) {
	name := req.msg.Room
	h.mu.Lock()
	select {
	case <-h.stop:
		h.mu.Unlock()
		return
	default:
	}
	r, ok := h.rooms[name]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		log, err := store.LoadOrCreate(ctx, h.store, name)
		cancel()
		if err != nil {
			glog.Errorf("hub: failed to load room %q: %v", name, err)
			h.mu.Unlock()
			req.client.sendError("failed to load room")
			return
		}

		r = newRoom(name, log, h.store, h.fanout)
		if h.fanout != nil {
			unsubscribe, err := h.fanout.Subscribe(context.Background(), name, r.deliverRemote)
			if err != nil {
				glog.Warningf("hub: room %q runs without fan-out: %v", name, err)
			} else {
				r.unsubscribe = unsubscribe
			}
		}
		h.rooms[name] = r
		glog.Infof("hub: opened room %q with %d logged updates", name, len(log))
		go r.Run()
	}
	h.mu.Unlock()

	select {
	case r.join <- frame{client: req.client, msg: req.msg}:
	case <-r.stop:
	}
}

// GetRoom returns the room with the given name, if active.
func (h *Hub) GetRoom(name string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[name]
}
