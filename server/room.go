package server

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/collab-getaway/protocol"
	"github.com/alimasry/collab-getaway/store"
)

const storeTimeout = 5 * time.Second

type frame struct {
	client *Client
	msg    protocol.Message
}

// Room relays update and presence frames between the members of one named
// room. All frames are serialized through a single goroutine.
type Room struct {
	name string
	log  [][]byte
	// Length of the log prefix the store is known to hold.
	persisted int
	store     store.UpdateStore
	fanout    Fanout
	clients   map[*Client]bool
	// Last presence frame per peer id, replayed to new members.
	presence map[string]protocol.Message

	incoming chan frame
	join     chan frame
	leave    chan *Client
	remote   chan protocol.Message
	stop     chan struct{}

	unsubscribe func()
}

func newRoom(name string, log [][]byte, st store.UpdateStore, fanout Fanout) *Room {
	return &Room{
		name:      name,
		log:       log,
		persisted: len(log),
		store:     st,
		fanout:    fanout,
		clients:   make(map[*Client]bool),
		presence:  make(map[string]protocol.Message),
		incoming:  make(chan frame, 64),
		join:      make(chan frame, 16),
		leave:     make(chan *Client, 16),
		remote:    make(chan protocol.Message, 64),
		stop:      make(chan struct{}),
	}
}

// Run is the room's main loop. It serializes all frames.
func (r *Room) Run() {
	for {
		select {
		case f := <-r.join:
			r.handleJoin(f)
		case c := <-r.leave:
			r.handleLeave(c)
		case f := <-r.incoming:
			r.handleFrame(f)
		case m := <-r.remote:
			r.handleRemote(m)
		case <-r.stop:
			r.persist()
			if r.unsubscribe != nil {
				r.unsubscribe()
			}
			for c := range r.clients {
				c.close()
			}
			return
		}
	}
}

func (r *Room) submit(f frame) {
	select {
	case r.incoming <- f:
	case <-r.stop:
	}
}

func (r *Room) removeClient(c *Client) {
	select {
	case r.leave <- c:
	case <-r.stop:
	}
}

// deliverRemote hands a frame published by another relay instance to the
// room loop.
func (r *Room) deliverRemote(m protocol.Message) {
	select {
	case r.remote <- m:
	case <-r.stop:
	}
}

func (r *Room) handleJoin(f frame) {
	c, msg := f.client, f.msg
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.room != nil {
		c.mu.Unlock()
		c.sendError("already joined a room")
		return
	}
	c.room = r
	if msg.Name != "" {
		c.Name = msg.Name
	}
	if msg.Color != "" {
		c.Color = msg.Color
	}
	c.PeerID = msg.PeerID
	c.mu.Unlock()

	if msg.Password != "" {
		glog.V(1).Infof("room %s: client %s supplied a password; passwords are not verified", r.name, c.ID)
	}

	// The welcome must be the first frame the client sees from the room.
	c.sendMsg(protocol.Message{
		Type:     protocol.MsgWelcome,
		Room:     r.name,
		ClientID: c.ID,
		Peers:    r.peerInfos(),
	})
	r.clients[c] = true
	glog.V(1).Infof("room %s: %s (%s) joined, %d members", r.name, c.ID, c.Name, len(r.clients))

	for _, p := range r.presence {
		c.sendMsg(p)
	}

	info := c.Info()
	for other := range r.clients {
		if other != c {
			other.sendMsg(protocol.Message{
				Type:     protocol.MsgJoin,
				Room:     r.name,
				ClientID: info.ClientID,
				PeerID:   info.PeerID,
				Name:     info.Name,
				Color:    info.Color,
			})
		}
	}
}

func (r *Room) handleLeave(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	r.drop(c)
}

// drop removes c from the room, closes its connection and tells the
// remaining members.
func (r *Room) drop(c *Client) {
	delete(r.clients, c)
	c.close()
	glog.V(1).Infof("room %s: %s left, %d members", r.name, c.ID, len(r.clients))

	leave := protocol.Message{Type: protocol.MsgLeave, Room: r.name, ClientID: c.ID, PeerID: c.PeerID}
	if c.PeerID != "" {
		delete(r.presence, c.PeerID)
	}
	r.broadcast(nil, leave, false)
	r.publish(leave)
}

func (r *Room) handleFrame(f frame) {
	if _, ok := r.clients[f.client]; !ok {
		return
	}
	switch f.msg.Type {
	case protocol.MsgSync:
		r.replay(f.client)
	case protocol.MsgUpdate:
		if len(f.msg.Update) == 0 {
			f.client.sendError("empty update")
			return
		}
		m := protocol.Message{Type: protocol.MsgUpdate, PeerID: f.msg.PeerID, Update: f.msg.Update}
		r.appendUpdate(m.Update)
		r.broadcast(f.client, m, true)
		r.publish(m)
	case protocol.MsgPresence:
		m := protocol.Message{Type: protocol.MsgPresence, PeerID: f.msg.PeerID, Presence: f.msg.Presence}
		if m.PeerID != "" {
			r.presence[m.PeerID] = m
		}
		r.broadcast(f.client, m, false)
		r.publish(m)
	}
}

func (r *Room) handleRemote(m protocol.Message) {
	switch m.Type {
	case protocol.MsgUpdate:
		r.appendUpdate(m.Update)
		r.broadcast(nil, m, true)
	case protocol.MsgPresence:
		if m.PeerID != "" {
			r.presence[m.PeerID] = m
		}
		r.broadcast(nil, m, false)
	case protocol.MsgLeave:
		if m.PeerID != "" {
			delete(r.presence, m.PeerID)
		}
		r.broadcast(nil, m, false)
	}
}

// replay sends the whole log to c in sync frames of at most
// protocol.SyncChunk updates, ending with a short (possibly empty) frame.
func (r *Room) replay(c *Client) {
	for start := 0; ; start += protocol.SyncChunk {
		end := min(start+protocol.SyncChunk, len(r.log))
		if !c.sendMsg(protocol.Message{Type: protocol.MsgSync, Room: r.name, Updates: r.log[start:end]}) {
			glog.Warningf("room %s: client %s too slow for replay, disconnecting", r.name, c.ID)
			r.drop(c)
			return
		}
		if end-start < protocol.SyncChunk {
			return
		}
	}
}

func (r *Room) appendUpdate(blob []byte) {
	r.log = append(r.log, blob)
	r.persist()
}

// persist writes the unpersisted tail of the log in order. It stops at the
// first failure; the rest is retried on the next append.
func (r *Room) persist() {
	if r.persisted == len(r.log) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for r.persisted < len(r.log) {
		seq := r.persisted + 1
		if err := r.store.AppendUpdate(ctx, r.name, r.log[r.persisted], seq); err != nil {
			glog.Errorf("room %s: persist update %d (%d behind): %v", r.name, seq, len(r.log)-r.persisted, err)
			return
		}
		r.persisted = seq
	}
}

// broadcast sends m to every member except from. Members that cannot keep
// up are disconnected when kick is set; otherwise the frame is dropped for
// them.
func (r *Room) broadcast(from *Client, m protocol.Message, kick bool) {
	for c := range r.clients {
		if c == from {
			continue
		}
		if c.sendMsg(m) || !kick {
			continue
		}
		glog.Warningf("room %s: client %s send buffer full, disconnecting", r.name, c.ID)
		r.drop(c)
	}
}

func (r *Room) publish(m protocol.Message) {
	if r.fanout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.fanout.Publish(ctx, r.name, m); err != nil {
		glog.Warningf("room %s: publish %s: %v", r.name, m.Type, err)
	}
}

func (r *Room) peerInfos() []protocol.PeerInfo {
	infos := make([]protocol.PeerInfo, 0, len(r.clients))
	for c := range r.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
