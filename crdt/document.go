package crdt

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Subscription identifies one Observe registration.
type Subscription struct {
	collection Collection
	id         int
}

type notification struct {
	fns    []func([]Record)
	values []Record
}

// Document is one replica of the shared trip document. It is safe for
// concurrent use. Observers run on the goroutine that made the change, after
// the document lock is released.
type Document struct {
	mu      sync.Mutex
	replica string
	clock   uint64 // Lamport clock
	seq     uint64 // last local update sequence number
	seen    StateVector
	lastID  int64
	seqs    map[Collection]*sequence
	log     []Update
	pending []Update

	subs    map[Collection]map[int]func([]Record)
	nextSub int
}

// NewDocument creates an empty replica owned by replica.
func NewDocument(replica string) *Document {
	d := &Document{
		replica: replica,
		seen:    make(StateVector),
		seqs:    make(map[Collection]*sequence, len(Collections)),
		subs:    make(map[Collection]map[int]func([]Record)),
	}
	for _, c := range Collections {
		d.seqs[c] = &sequence{}
	}
	return d
}

// Replica returns the id of the replica that owns the document.
func (d *Document) Replica() string { return d.replica }

// NextRecordID returns a creation-time identifier in milliseconds that is
// strictly increasing on this replica.
func (d *Document) NextRecordID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := time.Now().UnixMilli()
	if id <= d.lastID {
		id = d.lastID + 1
	}
	d.lastID = id
	return id
}

// Append inserts r at the end of c.
func (d *Document) Append(c Collection, r Record) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if err := checkRecord(c, r); err != nil {
			return err
		}
		b.insert(s.last(), r)
		return nil
	})
}

// InsertAt inserts r so that it becomes the index-th visible record of c.
func (d *Document) InsertAt(c Collection, index int, r Record) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if c == ChangeFeed {
			return fmt.Errorf("insert into %s: %w", c, ErrAppendOnly)
		}
		if err := checkRecord(c, r); err != nil {
			return err
		}
		n := len(s.visible())
		if index < 0 || index > n {
			return fmt.Errorf("insert %s[%d] (len %d): %w", c, index, n, ErrIndexOutOfRange)
		}
		b.insert(s.anchorFor(index), r)
		return nil
	})
}

// DeleteAt removes the index-th visible record of c.
func (d *Document) DeleteAt(c Collection, index int) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if c == ChangeFeed {
			return fmt.Errorf("delete from %s: %w", c, ErrAppendOnly)
		}
		vis := s.visible()
		if index < 0 || index >= len(vis) {
			return fmt.Errorf("delete %s[%d] (len %d): %w", c, index, len(vis), ErrIndexOutOfRange)
		}
		b.delete(vis[index].id)
		return nil
	})
}

// DeleteByID removes the first visible record of c whose RecordID is id.
func (d *Document) DeleteByID(c Collection, id int64) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if c == ChangeFeed {
			return fmt.Errorf("delete from %s: %w", c, ErrAppendOnly)
		}
		e := findRecord(s, id)
		if e == nil {
			return fmt.Errorf("delete %s/%d: %w", c, id, ErrNotFound)
		}
		b.delete(e.id)
		return nil
	})
}

// ReplaceAt swaps the index-th visible record for r as a delete followed by
// an insert at the same position. Position is not a stable identity: two
// replicas replacing the same record concurrently both keep their insert,
// and the record then appears twice. UpdateByID does not have this problem.
func (d *Document) ReplaceAt(c Collection, index int, r Record) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if err := checkReplaceable(c); err != nil {
			return err
		}
		if err := checkRecord(c, r); err != nil {
			return err
		}
		vis := s.visible()
		if index < 0 || index >= len(vis) {
			return fmt.Errorf("replace %s[%d] (len %d): %w", c, index, len(vis), ErrIndexOutOfRange)
		}
		b.delete(vis[index].id)
		b.insert(s.anchorFor(index), r)
		return nil
	})
}

// UpdateByID overwrites the value of the record identified by id in place.
// Concurrent updates of the same record resolve to the write with the
// highest stamp on every replica.
func (d *Document) UpdateByID(c Collection, id int64, r Record) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if err := checkReplaceable(c); err != nil {
			return err
		}
		if err := checkRecord(c, r); err != nil {
			return err
		}
		if r.RecordID() != id {
			return fmt.Errorf("%w: update %s/%d carries id %d", ErrInvalidRecord, c, id, r.RecordID())
		}
		e := findRecord(s, id)
		if e == nil {
			return fmt.Errorf("update %s/%d: %w", c, id, ErrNotFound)
		}
		b.update(e.id, r)
		return nil
	})
}

// ReorderAll replaces the whole content of c with order: every observed
// record is tombstoned and order is inserted after them. An edit another
// replica made to an observed record concurrently is lost.
func (d *Document) ReorderAll(c Collection, order []Record) (Update, error) {
	return d.mutate(c, func(s *sequence, b *builder) error {
		if c == ChangeFeed {
			return fmt.Errorf("reorder %s: %w", c, ErrAppendOnly)
		}
		for _, r := range order {
			if err := checkRecord(c, r); err != nil {
				return err
			}
		}
		vis := s.visible()
		targets := make([]ID, len(vis))
		for i, e := range vis {
			targets[i] = e.id
		}
		b.clear(targets)
		after := s.last()
		for _, r := range order {
			after = b.insert(after, r)
		}
		return nil
	})
}

// Snapshot returns the visible records of c in order.
func (d *Document) Snapshot(c Collection) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.seqs[c]
	if !ok {
		return nil
	}
	return s.values()
}

// Len returns the number of visible records in c.
func (d *Document) Len(c Collection) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.seqs[c]
	if !ok {
		return 0
	}
	return len(s.visible())
}

// Get returns the index-th visible record of c.
func (d *Document) Get(c Collection, index int) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.seqs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	vis := s.visible()
	if index < 0 || index >= len(vis) {
		return nil, fmt.Errorf("get %s[%d] (len %d): %w", c, index, len(vis), ErrIndexOutOfRange)
	}
	return vis[index].value, nil
}

// Find returns the record with the given id and its visible index.
func (d *Document) Find(c Collection, id int64) (Record, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.seqs[c]
	if !ok {
		return nil, -1, false
	}
	for i, e := range s.visible() {
		if e.value.RecordID() == id {
			return e.value, i, true
		}
	}
	return nil, -1, false
}

// StateVector returns what this replica has applied so far.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Clone()
}

// Updates returns, in causal order, every applied update the holder of
// since has not seen.
func (d *Document) Updates(since StateVector) []Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Update
	for _, u := range d.log {
		if u.Seq > since[u.Origin] {
			out = append(out, u)
		}
	}
	return out
}

// Pending returns the number of remote updates parked until their
// dependencies arrive.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ApplyUpdate decodes and applies a remote update blob.
func (d *Document) ApplyUpdate(data []byte) (bool, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return false, err
	}
	return d.ApplyRemote(u)
}

// ApplyRemote integrates an update from another replica. Updates that were
// already applied are ignored; updates whose dependencies are missing wait in
// the pending buffer. It reports whether anything new was applied.
func (d *Document) ApplyRemote(u Update) (bool, error) {
	if u.Origin == "" || u.Seq == 0 {
		return false, fmt.Errorf("apply remote: malformed %s", u)
	}
	d.mu.Lock()
	if u.Origin == d.replica || u.Seq <= d.seen[u.Origin] || d.isPending(u) {
		d.mu.Unlock()
		return false, nil
	}
	d.pending = append(d.pending, u)
	touched := make(map[Collection]bool)
	applied := false
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, p := range d.pending {
			if p.Seq <= d.seen[p.Origin] {
				continue
			}
			if !p.ready(d.seen) {
				rest = append(rest, p)
				continue
			}
			d.integrate(p, touched)
			applied = true
			progress = true
		}
		d.pending = rest
	}
	notes := d.collect(touched)
	d.mu.Unlock()

	dispatch(notes)
	return applied, nil
}

// Observe registers fn to receive the materialized content of c after every
// change that touches it.
func (d *Document) Observe(c Collection, fn func([]Record)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	if d.subs[c] == nil {
		d.subs[c] = make(map[int]func([]Record))
	}
	d.subs[c][d.nextSub] = fn
	return Subscription{collection: c, id: d.nextSub}
}

// Unobserve removes a subscription. Removing twice is a no-op.
func (d *Document) Unobserve(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs[sub.collection], sub.id)
}

func (d *Document) isPending(u Update) bool {
	for _, p := range d.pending {
		if p.Origin == u.Origin && p.Seq == u.Seq {
			return true
		}
	}
	return false
}

// mutate runs a local change against one collection and commits the ops it
// produced as a new update.
func (d *Document) mutate(c Collection, fn func(*sequence, *builder) error) (Update, error) {
	d.mu.Lock()
	s, ok := d.seqs[c]
	if !ok {
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	b := &builder{collection: c, replica: d.replica, clock: d.clock}
	if err := fn(s, b); err != nil {
		d.mu.Unlock()
		return Update{}, err
	}
	u := Update{
		Origin: d.replica,
		Seq:    d.seq + 1,
		Deps:   d.seen.Clone(),
		Ops:    b.ops,
	}
	d.seq = u.Seq
	touched := make(map[Collection]bool)
	d.integrate(u, touched)
	notes := d.collect(touched)
	d.mu.Unlock()

	dispatch(notes)
	return u, nil
}

// integrate applies every op of u and records it as seen. Callers hold mu.
func (d *Document) integrate(u Update, touched map[Collection]bool) {
	if m := u.maxCounter(); m > d.clock {
		d.clock = m
	}
	for _, op := range u.Ops {
		s, ok := d.seqs[op.Collection]
		if !ok {
			glog.Warningf("crdt: %s: skipping op on unknown collection %q", u, op.Collection)
			continue
		}
		var changed bool
		switch op.Kind {
		case OpInsert:
			if err := checkRecord(op.Collection, op.Record); err != nil {
				glog.Warningf("crdt: %s: skipping insert %s: %v", u, op.ID, err)
				continue
			}
			changed = s.integrate(op.ID, op.After, op.Record)
		case OpDelete:
			changed = s.tombstone(op.Target)
		case OpUpdate:
			if err := checkRecord(op.Collection, op.Record); err != nil {
				glog.Warningf("crdt: %s: skipping update of %s: %v", u, op.Target, err)
				continue
			}
			changed = s.assign(op.Target, op.ID, op.Record)
		case OpClear:
			for _, t := range op.Targets {
				if s.tombstone(t) {
					changed = true
				}
			}
		default:
			glog.Warningf("crdt: %s: skipping %s", u, op.Kind)
		}
		if changed {
			touched[op.Collection] = true
		}
	}
	d.seen[u.Origin] = u.Seq
	d.log = append(d.log, u)
	glog.V(2).Infof("crdt: replica %s applied %s", d.replica, u)
}

func (d *Document) collect(touched map[Collection]bool) []notification {
	var notes []notification
	for _, c := range Collections {
		if !touched[c] || len(d.subs[c]) == 0 {
			continue
		}
		n := notification{values: d.seqs[c].values()}
		for _, fn := range d.subs[c] {
			n.fns = append(n.fns, fn)
		}
		notes = append(notes, n)
	}
	return notes
}

func dispatch(notes []notification) {
	for _, n := range notes {
		for _, fn := range n.fns {
			fn(n.values)
		}
	}
}

func findRecord(s *sequence, id int64) *element {
	for _, e := range s.visible() {
		if e.value.RecordID() == id {
			return e
		}
	}
	return nil
}

func checkReplaceable(c Collection) error {
	switch c {
	case ChangeFeed:
		return fmt.Errorf("replace in %s: %w", c, ErrAppendOnly)
	case Chat:
		return fmt.Errorf("replace in %s: %w", c, ErrImmutable)
	}
	return nil
}

// builder stamps the ops of one local update with consecutive Lamport
// counters.
type builder struct {
	collection Collection
	replica    string
	clock      uint64
	ops        []Op
}

func (b *builder) next() ID {
	b.clock++
	return ID{Counter: b.clock, Replica: b.replica}
}

func (b *builder) insert(after ID, r Record) ID {
	id := b.next()
	b.ops = append(b.ops, Op{Kind: OpInsert, Collection: b.collection, ID: id, After: after, Record: r})
	return id
}

func (b *builder) delete(target ID) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Collection: b.collection, ID: b.next(), Target: target})
}

func (b *builder) update(target ID, r Record) {
	b.ops = append(b.ops, Op{Kind: OpUpdate, Collection: b.collection, ID: b.next(), Target: target, Record: r})
}

func (b *builder) clear(targets []ID) {
	b.ops = append(b.ops, Op{Kind: OpClear, Collection: b.collection, ID: b.next(), Targets: targets})
}
