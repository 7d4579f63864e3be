// Package presence tracks the ephemeral per-client metadata of a room: who
// is connected, their display name and color, and where they are looking.
// Presence is never persisted and never written to the shared document.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultHeartbeat = 15 * time.Second
)

// Position is a point on the shared map.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// State is what one client shares about itself.
type State struct {
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Position *Position `json:"position,omitempty"`
}

func (s State) equal(o State) bool {
	if s.Name != o.Name || s.Color != o.Color {
		return false
	}
	if s.Position == nil || o.Position == nil {
		return s.Position == o.Position
	}
	return *s.Position == *o.Position
}

// Fields is a partial State. Zero fields are left unchanged.
type Fields struct {
	Name          string
	Color         string
	Position      *Position
	ClearPosition bool
}

// Update is the wire form of one client's presence. A nil State announces
// that the client left.
type Update struct {
	ClientID string `json:"clientId"`
	Clock    uint64 `json:"clock"`
	State    *State `json:"state"`
}

// Encode returns the JSON form of u.
func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an Update produced by Encode.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode presence: %w", err)
	}
	if u.ClientID == "" {
		return Update{}, fmt.Errorf("decode presence: missing client id")
	}
	return u, nil
}

// Change lists the clients whose presence changed in one step.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Broadcaster ships a local presence update to the rest of the room. It must
// not block; dropping is acceptable.
type Broadcaster func(Update)

// Options configures a Channel. Zero values select the defaults.
type Options struct {
	Timeout   time.Duration
	Heartbeat time.Duration
	Broadcast Broadcaster
	// Now is the clock used for last-seen bookkeeping.
	Now func() time.Time
}

type entry struct {
	state    State
	clock    uint64
	lastSeen time.Time
}

// Channel holds the presence set as seen by one client.
type Channel struct {
	localID   string
	timeout   time.Duration
	heartbeat time.Duration
	now       func() time.Time

	mu        sync.Mutex
	broadcast Broadcaster
	local     *State
	clock     uint64
	remote    map[string]*entry
	subs      map[int]func(Change)
	nextSub   int
}

// New creates a Channel for the client identified by localID.
func New(localID string, opts Options) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		localID:   localID,
		timeout:   opts.Timeout,
		heartbeat: opts.Heartbeat,
		now:       opts.Now,
		broadcast: opts.Broadcast,
		remote:    make(map[string]*entry),
		subs:      make(map[int]func(Change)),
	}
}

// LocalID returns the id this channel publishes under.
func (c *Channel) LocalID() string { return c.localID }

// SetBroadcaster replaces the function used to publish local updates.
func (c *Channel) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	c.broadcast = b
	c.mu.Unlock()
}

// SetLocalState merges f into the local state and broadcasts the result.
func (c *Channel) SetLocalState(f Fields) Update {
	c.mu.Lock()
	var ch Change
	if c.local == nil {
		c.local = &State{}
		ch.Added = []string{c.localID}
	}
	before := *c.local
	if f.Name != "" {
		c.local.Name = f.Name
	}
	if f.Color != "" {
		c.local.Color = f.Color
	}
	if f.Position != nil {
		p := *f.Position
		c.local.Position = &p
	}
	if f.ClearPosition {
		c.local.Position = nil
	}
	if ch.Added == nil && !before.equal(*c.local) {
		ch.Updated = []string{c.localID}
	}
	u := c.localUpdate()
	b, fns := c.broadcast, c.listeners(ch)
	c.mu.Unlock()

	send(b, u)
	notify(fns, ch)
	return u
}

// Refresh re-broadcasts the local state with a new clock. Sessions call it
// after (re)connecting so new peers learn about this client.
func (c *Channel) Refresh() {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return
	}
	u := c.localUpdate()
	b := c.broadcast
	c.mu.Unlock()
	send(b, u)
}

// Leave clears the local state and tells the room this client is gone.
func (c *Channel) Leave() {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return
	}
	c.local = nil
	c.clock++
	u := Update{ClientID: c.localID, Clock: c.clock}
	ch := Change{Removed: []string{c.localID}}
	b, fns := c.broadcast, c.listeners(ch)
	c.mu.Unlock()

	send(b, u)
	notify(fns, ch)
}

// localUpdate bumps the clock and returns the wire form of the local state.
// Callers hold mu.
func (c *Channel) localUpdate() Update {
	c.clock++
	s := *c.local
	return Update{ClientID: c.localID, Clock: c.clock, State: &s}
}

// Apply merges a presence update received from the room. Updates with an
// older clock than the one already held are ignored.
func (c *Channel) Apply(u Update) {
	if u.ClientID == "" || u.ClientID == c.localID {
		return
	}
	c.mu.Lock()
	var ch Change
	e, ok := c.remote[u.ClientID]
	switch {
	case ok && u.Clock < e.clock:
	case u.State == nil:
		if ok {
			delete(c.remote, u.ClientID)
			ch.Removed = []string{u.ClientID}
		}
	case !ok:
		c.remote[u.ClientID] = &entry{state: *u.State, clock: u.Clock, lastSeen: c.now()}
		ch.Added = []string{u.ClientID}
	default:
		if !e.state.equal(*u.State) {
			ch.Updated = []string{u.ClientID}
		}
		e.state = *u.State
		e.clock = u.Clock
		e.lastSeen = c.now()
	}
	fns := c.listeners(ch)
	c.mu.Unlock()
	notify(fns, ch)
}

// Remove drops a remote client, typically because the relay reported that
// its connection closed.
func (c *Channel) Remove(clientID string) {
	c.mu.Lock()
	var ch Change
	if _, ok := c.remote[clientID]; ok {
		delete(c.remote, clientID)
		ch.Removed = []string{clientID}
	}
	fns := c.listeners(ch)
	c.mu.Unlock()
	notify(fns, ch)
}

// Sweep removes every remote client not heard from within the timeout and
// returns their ids.
func (c *Channel) Sweep() []string {
	c.mu.Lock()
	now := c.now()
	var removed []string
	for id, e := range c.remote {
		if now.Sub(e.lastSeen) > c.timeout {
			delete(c.remote, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	ch := Change{Removed: removed}
	fns := c.listeners(ch)
	c.mu.Unlock()

	for _, id := range removed {
		glog.V(1).Infof("[presence] %s timed out", id)
	}
	notify(fns, ch)
	return removed
}

// Run renews the local state every heartbeat and expires silent peers until
// ctx is done.
func (c *Channel) Run(ctx context.Context) {
	renew := time.NewTicker(c.heartbeat)
	defer renew.Stop()
	sweepEvery := c.timeout / 10
	if sweepEvery <= 0 {
		sweepEvery = c.timeout
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			c.Refresh()
		case <-sweep.C:
			c.Sweep()
		}
	}
}

// States returns a snapshot of every known client, the local one included.
func (c *Channel) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.remote)+1)
	for id, e := range c.remote {
		out[id] = e.state
	}
	if c.local != nil {
		out[c.localID] = *c.local
	}
	return out
}

// OnChange registers fn for presence changes. The returned function
// unsubscribes it.
func (c *Channel) OnChange(fn func(Change)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Channel) listeners(ch Change) []func(Change) {
	if ch.empty() {
		return nil
	}
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = c.subs[id]
	}
	return fns
}

func send(b Broadcaster, u Update) {
	if b != nil {
		b(u)
	}
}

func notify(fns []func(Change), ch Change) {
	for _, fn := range fns {
		fn(ch)
	}
}
