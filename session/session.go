// Package session owns one client's connection to a relay room. Local
// mutations are applied to the replica immediately and shipped to the relay
// in order; while the relay is unreachable they wait in an outbox. Every
// connection starts with a full replay of the room log, after which any
// local update the relay does not hold is queued again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/alimasry/collab-getaway/crdt"
	"github.com/alimasry/collab-getaway/presence"
	"github.com/alimasry/collab-getaway/protocol"
)

// Status is the connection state published to status listeners.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var (
	ErrAlreadyConnected = errors.New("session already started")
	ErrClosed           = errors.New("session closed")
	errHandshake        = errors.New("relay handshake failed")
)

// closeGrace bounds how long Close waits for queued presence frames.
const closeGrace = 500 * time.Millisecond

// Conn is one live connection to the relay. Send is only called from one
// goroutine at a time. Receive blocks until a frame arrives or the
// connection is closed.
type Conn interface {
	Send(protocol.Message) error
	Receive() (protocol.Message, error)
	Close() error
}

// Transport opens connections to the relay.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// PresenceSink receives the presence traffic of the room.
type PresenceSink interface {
	Apply(presence.Update)
	Remove(clientID string)
	Refresh()
}

// Options configures a Session.
type Options struct {
	// Password is sent to the relay on join. The relay does not verify it.
	Password string
	Name     string
	Color    string
	Presence PresenceSink
	// NewBackOff returns the reconnect policy. Defaults to exponential
	// backoff capped at 30s that never gives up.
	NewBackOff func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Session synchronizes one replica with a relay room.
type Session struct {
	doc       *crdt.Document
	transport Transport
	opts      Options

	wake      chan struct{}
	presenceq chan protocol.Message
	drain     chan chan struct{}

	mu         sync.Mutex
	room       string
	status     Status
	clientID   string
	outbox     []crdt.Update
	queued     uint64 // highest local seq ever placed in the outbox
	statusSubs map[int]func(Status)
	nextSub    int
	started    bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a disconnected session for doc.
func New(doc *crdt.Document, transport Transport, opts Options) *Session {
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	return &Session{
		doc:        doc,
		transport:  transport,
		opts:       opts,
		wake:       make(chan struct{}, 1),
		presenceq:  make(chan protocol.Message, 16),
		drain:      make(chan chan struct{}),
		status:     StatusDisconnected,
		statusSubs: make(map[int]func(Status)),
	}
}

// Document returns the local replica.
func (s *Session) Document() *crdt.Document { return s.doc }

// Connect starts the connection loop for room. It returns immediately; use
// OnStatus to follow the connection state.
func (s *Session) Connect(ctx context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.room = room
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Close stops the connection loop and waits for it to exit. Presence frames
// already queued, such as a leave, are sent first if the session is
// connected. Updates still in the outbox are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	connected := s.status == StatusConnected
	s.mu.Unlock()

	if connected {
		s.drainPresence()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Mutate applies a local change to the replica and queues the resulting
// update for the relay. The change is visible locally before Mutate
// returns, whatever the connection state.
func (s *Session) Mutate(fn func(*crdt.Document) (crdt.Update, error)) error {
	u, err := fn(s.doc)
	if err != nil {
		return err
	}
	if u.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	// A reconnect may already have queued u straight from the replica.
	if u.Seq > s.queued {
		s.outbox = append(s.outbox, u)
		s.queued = u.Seq
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// Pending returns how many local updates have not reached the relay yet.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ClientID returns the id the relay assigned to the current connection.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// OnStatus registers fn for status transitions and returns a function that
// removes it.
func (s *Session) OnStatus(fn func(Status)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.statusSubs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.statusSubs, id)
		s.mu.Unlock()
	}
}

// BroadcastPresence queues a presence update for the room. It never blocks:
// updates are dropped while disconnected or when the queue is full.
func (s *Session) BroadcastPresence(u presence.Update) {
	if s.Status() != StatusConnected {
		return
	}
	data, err := u.Encode()
	if err != nil {
		glog.Warningf("[session] encode presence: %v", err)
		return
	}
	select {
	case s.presenceq <- protocol.Message{Type: protocol.MsgPresence, PeerID: s.doc.Replica(), Presence: data}:
	default:
		glog.V(2).Infof("[session] presence queue full, dropping update")
	}
}

// drainPresence asks the write loop to send every queued presence frame and
// waits for it, at most closeGrace.
func (s *Session) drainPresence() {
	ack := make(chan struct{})
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case s.drain <- ack:
	case <-timer.C:
		return
	}
	select {
	case <-ack:
	case <-timer.C:
	}
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	fns := make([]func(Status), 0, len(s.statusSubs))
	for _, fn := range s.statusSubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	glog.V(1).Infof("[session] %s", st)
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setStatus(StatusDisconnected)

	b := s.opts.NewBackOff()
	for {
		s.setStatus(StatusConnecting)
		connected, err := s.connectOnce(ctx)
		s.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			glog.Errorf("[session] giving up on room %s: %v", s.room, err)
			return
		}
		glog.Infof("[session] connection to room %s lost (%v), retrying in %s", s.room, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectOnce dials, joins and serves one connection until it fails. It
// reports whether the handshake completed.
func (s *Session) connectOnce(ctx context.Context) (bool, error) {
	conn, err := s.transport.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Receive does not take a context; closing the conn unblocks it.
	handshook := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshook:
		}
	}()
	err = s.handshake(conn)
	close(handshook)
	if err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setStatus(StatusConnected)
	if s.opts.Presence != nil {
		s.opts.Presence.Refresh()
	}

	errc := make(chan error, 2)
	go func() { errc <- s.readLoop(conn) }()
	go func() { errc <- s.writeLoop(connCtx, conn) }()

	running := 2
	select {
	case err = <-errc:
		running--
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	conn.Close()
	// Both loops exit once the connection is closed.
	for ; running > 0; running-- {
		<-errc
	}
	return true, err
}

func (s *Session) handshake(conn Conn) error {
	join := protocol.Message{
		Type:     protocol.MsgJoin,
		Room:     s.room,
		Password: s.opts.Password,
		Name:     s.opts.Name,
		Color:    s.opts.Color,
		PeerID:   s.doc.Replica(),
	}
	if err := conn.Send(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	welcome, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	if welcome.Type != protocol.MsgWelcome {
		return fmt.Errorf("%w: got %q frame: %s", errHandshake, welcome.Type, welcome.Message)
	}
	s.mu.Lock()
	s.clientID = welcome.ClientID
	s.mu.Unlock()
	glog.Infof("[session] joined room %s as %s with %d peers", s.room, welcome.ClientID, len(welcome.Peers))

	if err := conn.Send(protocol.Message{Type: protocol.MsgSync, PeerID: s.doc.Replica()}); err != nil {
		return fmt.Errorf("send sync: %w", err)
	}
	held, err := s.catchUp(conn)
	if err != nil {
		return fmt.Errorf("await sync: %w", err)
	}
	s.requeue(held)
	return nil
}

// catchUp consumes the sync replay, handling any frame interleaved with it,
// and returns how many of this replica's updates the relay holds without a
// gap. The replay ends with a frame carrying fewer than protocol.SyncChunk
// updates.
func (s *Session) catchUp(conn Conn) (uint64, error) {
	own := make(map[uint64]bool)
	note := func(blob []byte) {
		u, err := crdt.DecodeUpdate(blob)
		if err == nil && u.Origin == s.doc.Replica() {
			own[u.Seq] = true
		}
	}
	for {
		m, err := conn.Receive()
		if err != nil {
			return 0, err
		}
		s.handle(m)
		switch m.Type {
		case protocol.MsgUpdate:
			note(m.Update)
		case protocol.MsgSync:
			for _, blob := range m.Updates {
				note(blob)
			}
			if len(m.Updates) < protocol.SyncChunk {
				var held uint64
				for own[held+1] {
					held++
				}
				return held, nil
			}
		}
	}
}

// requeue rebuilds the outbox from the replica: every local update past
// held is sent again, in order. Updates sent on a connection that dropped
// before the relay got them are recovered this way.
func (s *Session) requeue(held uint64) {
	replica := s.doc.Replica()
	var missing []crdt.Update
	for _, u := range s.doc.Updates(crdt.StateVector{replica: held}) {
		if u.Origin == replica {
			missing = append(missing, u)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var last uint64
	if n := len(missing); n > 0 {
		last = missing[n-1].Seq
	}
	for _, u := range s.outbox {
		if u.Seq > last {
			missing = append(missing, u)
		}
	}
	if resent := len(missing) - len(s.outbox); resent > 0 {
		glog.Infof("[session] relay is missing %d of our updates, resending", resent)
	}
	s.outbox = missing
	if last > s.queued {
		s.queued = last
	}
}

func (s *Session) readLoop(conn Conn) error {
	for {
		m, err := conn.Receive()
		if err != nil {
			return err
		}
		s.handle(m)
	}
}

func (s *Session) handle(m protocol.Message) {
	switch m.Type {
	case protocol.MsgUpdate:
		s.applyRemote(m.Update)
	case protocol.MsgSync:
		for _, blob := range m.Updates {
			s.applyRemote(blob)
		}
		glog.V(1).Infof("[session] replayed %d updates from room %s", len(m.Updates), s.room)
	case protocol.MsgPresence:
		if s.opts.Presence == nil {
			return
		}
		u, err := presence.DecodeUpdate(m.Presence)
		if err != nil {
			glog.Warningf("[session] bad presence frame: %v", err)
			return
		}
		s.opts.Presence.Apply(u)
	case protocol.MsgLeave:
		if s.opts.Presence != nil && m.PeerID != "" {
			s.opts.Presence.Remove(m.PeerID)
		}
	case protocol.MsgError:
		glog.Warningf("[session] relay error: %s", m.Message)
	default:
		glog.V(2).Infof("[session] ignoring %q frame", m.Type)
	}
}

func (s *Session) applyRemote(blob []byte) {
	if _, err := s.doc.ApplyUpdate(blob); err != nil {
		glog.Warningf("[session] dropping remote update: %v", err)
	}
}

func (s *Session) writeLoop(ctx context.Context, conn Conn) error {
	for {
		if err := s.flush(conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case m := <-s.presenceq:
			if err := conn.Send(m); err != nil {
				return fmt.Errorf("send presence: %w", err)
			}
		case ack := <-s.drain:
			err := s.sendQueuedPresence(conn)
			close(ack)
			if err != nil {
				return err
			}
		}
	}
}

func (s *Session) sendQueuedPresence(conn Conn) error {
	for {
		select {
		case m := <-s.presenceq:
			if err := conn.Send(m); err != nil {
				return fmt.Errorf("send presence: %w", err)
			}
		default:
			return nil
		}
	}
}

// flush writes the outbox in order. An update leaves the outbox once it was
// written; one lost with the connection is queued again by requeue.
func (s *Session) flush(conn Conn) error {
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.mu.Unlock()
			return nil
		}
		u := s.outbox[0]
		s.mu.Unlock()

		blob, err := crdt.EncodeUpdate(u)
		if err != nil {
			glog.Errorf("[session] dropping unencodable update %s: %v", u, err)
		} else if err := conn.Send(protocol.Message{Type: protocol.MsgUpdate, PeerID: u.Origin, Update: blob}); err != nil {
			return fmt.Errorf("send %s: %w", u, err)
		}

		s.mu.Lock()
		s.outbox = s.outbox[1:]
		s.mu.Unlock()
	}
}
