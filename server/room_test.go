package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alimasry/collab-getaway/protocol"
	"github.com/alimasry/collab-getaway/store"
)

func ctx() context.Context { return context.Background() }

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id string) *Client {
	return &Client{
		ID:    id,
		Name:  "Test " + id,
		Color: "#000000",
		send:  make(chan []byte, sendBuffer),
	}
}

// recvMsg reads one frame from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) protocol.Message {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("client closed")
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return protocol.Message{}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func startRoom(t *testing.T, name string, log [][]byte) (*Room, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.Create(ctx(), name)
	for i, b := range log {
		st.AppendUpdate(ctx(), name, b, i+1)
	}
	r := newRoom(name, log, st, nil)
	go r.Run()
	t.Cleanup(func() { close(r.stop) })
	return r, st
}

func joinRoom(t *testing.T, r *Room, c *Client, peer string) protocol.Message {
	t.Helper()
	r.join <- frame{client: c, msg: protocol.Message{Type: protocol.MsgJoin, Room: r.name, PeerID: peer, Name: "N-" + peer}}
	welcome := recvMsg(t, c)
	if welcome.Type != protocol.MsgWelcome {
		t.Fatalf("expected welcome, got %q", welcome.Type)
	}
	return welcome
}

func TestRoom_JoinWelcomeAndNotify(t *testing.T) {
	r, _ := startRoom(t, "paris", nil)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	w1 := joinRoom(t, r, c1, "p1")
	if w1.ClientID != "c1" || len(w1.Peers) != 0 {
		t.Errorf("unexpected welcome: %+v", w1)
	}

	w2 := joinRoom(t, r, c2, "p2")
	if len(w2.Peers) != 1 || w2.Peers[0].PeerID != "p1" || w2.Peers[0].Name != "N-p1" {
		t.Errorf("unexpected peers: %+v", w2.Peers)
	}

	notif := recvMsg(t, c1)
	if notif.Type != protocol.MsgJoin || notif.ClientID != "c2" || notif.PeerID != "p2" {
		t.Errorf("unexpected join notification: %+v", notif)
	}
}

func TestRoom_UpdateBroadcastAndPersist(t *testing.T) {
	r, st := startRoom(t, "paris", nil)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	joinRoom(t, r, c1, "p1")
	joinRoom(t, r, c2, "p2")
	recvMsg(t, c1) // c2 join

	r.incoming <- frame{client: c1, msg: protocol.Message{Type: protocol.MsgUpdate, PeerID: "p1", Update: []byte("u1")}}

	got := recvMsg(t, c2)
	if got.Type != protocol.MsgUpdate || string(got.Update) != "u1" || got.PeerID != "p1" {
		t.Errorf("unexpected broadcast: %+v", got)
	}
	expectNone(t, c1)

	log, err := st.GetUpdates(ctx(), "paris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || string(log[0]) != "u1" {
		t.Errorf("unexpected persisted log: %q", log)
	}
}

func TestRoom_SyncReplaysInChunks(t *testing.T) {
	var log [][]byte
	for i := 0; i < protocol.SyncChunk+5; i++ {
		log = append(log, []byte(fmt.Sprintf("u%d", i)))
	}
	r, _ := startRoom(t, "paris", log)

	c := mockClient("c1")
	joinRoom(t, r, c, "p1")
	r.incoming <- frame{client: c, msg: protocol.Message{Type: protocol.MsgSync}}

	first := recvMsg(t, c)
	second := recvMsg(t, c)
	if first.Type != protocol.MsgSync || second.Type != protocol.MsgSync {
		t.Fatalf("expected two sync frames, got %q and %q", first.Type, second.Type)
	}
	if len(first.Updates) != protocol.SyncChunk || len(second.Updates) != 5 {
		t.Errorf("chunk sizes = %d, %d", len(first.Updates), len(second.Updates))
	}
	if string(second.Updates[4]) != fmt.Sprintf("u%d", protocol.SyncChunk+4) {
		t.Errorf("last update = %q", second.Updates[4])
	}
}

func TestRoom_SyncFullChunkIsTerminated(t *testing.T) {
	var log [][]byte
	for i := 0; i < protocol.SyncChunk; i++ {
		log = append(log, []byte(fmt.Sprintf("u%d", i)))
	}
	r, _ := startRoom(t, "paris", log)

	c := mockClient("c1")
	joinRoom(t, r, c, "p1")
	r.incoming <- frame{client: c, msg: protocol.Message{Type: protocol.MsgSync}}

	if first := recvMsg(t, c); len(first.Updates) != protocol.SyncChunk {
		t.Errorf("first chunk = %d updates", len(first.Updates))
	}
	last := recvMsg(t, c)
	if last.Type != protocol.MsgSync || len(last.Updates) != 0 {
		t.Errorf("expected empty closing sync frame, got %+v", last)
	}
	expectNone(t, c)
}

func TestRoom_SyncEmptyLog(t *testing.T) {
	r, _ := startRoom(t, "paris", nil)
	c := mockClient("c1")
	joinRoom(t, r, c, "p1")
	r.incoming <- frame{client: c, msg: protocol.Message{Type: protocol.MsgSync}}
	msg := recvMsg(t, c)
	if msg.Type != protocol.MsgSync || len(msg.Updates) != 0 {
		t.Errorf("unexpected sync: %+v", msg)
	}
}

func TestRoom_PresenceCachedForNewMembers(t *testing.T) {
	r, st := startRoom(t, "paris", nil)

	c1 := mockClient("c1")
	joinRoom(t, r, c1, "p1")
	state := json.RawMessage(`{"clientId":"p1","clock":1,"state":{"name":"Ana"}}`)
	r.incoming <- frame{client: c1, msg: protocol.Message{Type: protocol.MsgPresence, PeerID: "p1", Presence: state}}

	c2 := mockClient("c2")
	joinRoom(t, r, c2, "p2")
	p := recvMsg(t, c2)
	if p.Type != protocol.MsgPresence || p.PeerID != "p1" {
		t.Fatalf("expected cached presence, got %+v", p)
	}

	info, _ := st.Get(ctx(), "paris")
	if info.Updates != 0 {
		t.Errorf("presence must not be persisted, log has %d", info.Updates)
	}
}

func TestRoom_LeaveNotification(t *testing.T) {
	r, _ := startRoom(t, "paris", nil)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	joinRoom(t, r, c1, "p1")
	joinRoom(t, r, c2, "p2")
	recvMsg(t, c1) // c2 join

	r.leave <- c2
	msg := recvMsg(t, c1)
	if msg.Type != protocol.MsgLeave || msg.ClientID != "c2" || msg.PeerID != "p2" {
		t.Fatalf("unexpected leave: %+v", msg)
	}

	// c2's send channel is closed once it has left.
	for range c2.send {
	}
}

func TestRoom_SlowClientDisconnected(t *testing.T) {
	r, _ := startRoom(t, "paris", nil)

	fast := mockClient("fast")
	slow := &Client{ID: "slow", send: make(chan []byte, 2)}
	joinRoom(t, r, fast, "pf")
	joinRoom(t, r, slow, "ps")
	recvMsg(t, fast) // slow join

	// Presence overflow is dropped, not fatal.
	for i := 0; i < 3; i++ {
		r.incoming <- frame{client: fast, msg: protocol.Message{Type: protocol.MsgPresence, PeerID: "pf", Presence: json.RawMessage(`{}`)}}
	}
	// Drain so only update frames can overflow.
	recvMsg(t, slow)
	recvMsg(t, slow)
	for i := 0; i < 3; i++ {
		r.incoming <- frame{client: fast, msg: protocol.Message{Type: protocol.MsgUpdate, PeerID: "pf", Update: []byte{byte(i)}}}
	}

	leave := recvMsg(t, fast)
	if leave.Type != protocol.MsgLeave || leave.ClientID != "slow" {
		t.Fatalf("expected slow client to be dropped, got %+v", leave)
	}
}

func TestRoom_RejectsFramesFromNonMembers(t *testing.T) {
	r, st := startRoom(t, "paris", nil)
	c := mockClient("c1")
	r.incoming <- frame{client: c, msg: protocol.Message{Type: protocol.MsgUpdate, Update: []byte("x")}}
	expectNone(t, c)
	if info, _ := st.Get(ctx(), "paris"); info.Updates != 0 {
		t.Errorf("log has %d updates, want 0", info.Updates)
	}
}

// flakyStore fails the next fails appends.
type flakyStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) AppendUpdate(ctx context.Context, room string, blob []byte, seq int) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.mu.Unlock()
	return s.MemoryStore.AppendUpdate(ctx, room, blob, seq)
}

func TestRoom_PersistRecoversFromStoreFailure(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), fails: 1}
	st.Create(ctx(), "paris")
	r := newRoom("paris", nil, st, nil)
	go r.Run()
	defer close(r.stop)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	joinRoom(t, r, c1, "p1")
	joinRoom(t, r, c2, "p2")
	recvMsg(t, c1) // c2 join

	for i := 1; i <= 4; i++ {
		r.incoming <- frame{client: c1, msg: protocol.Message{Type: protocol.MsgUpdate, PeerID: "p1", Update: []byte(fmt.Sprintf("u%d", i))}}
		recvMsg(t, c2)
	}

	log, err := st.GetUpdates(ctx(), "paris", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"u1", "u2", "u3", "u4"}
	if len(log) != len(want) {
		t.Fatalf("persisted %d updates, want %d", len(log), len(want))
	}
	for i, b := range log {
		if string(b) != want[i] {
			t.Errorf("update %d = %q, want %q", i+1, b, want[i])
		}
	}
}

func TestRoom_DisconnectBeforeJoinHandled(t *testing.T) {
	r, _ := startRoom(t, "paris", nil)

	gone := mockClient("gone")
	if got := gone.detach(); got != nil {
		t.Fatalf("detach returned room %v", got)
	}
	r.join <- frame{client: gone, msg: protocol.Message{Type: protocol.MsgJoin, Room: "paris", PeerID: "p0"}}

	c := mockClient("c1")
	w := joinRoom(t, r, c, "p1")
	if len(w.Peers) != 0 {
		t.Errorf("disconnected client admitted: %+v", w.Peers)
	}
	if _, ok := <-gone.send; ok {
		t.Error("disconnected client was sent a frame")
	}
}
