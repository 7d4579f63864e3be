package crdt

// element is one slot of a sequence. Deleted elements stay as tombstones so
// that later inserts can still find their anchor.
type element struct {
	id      ID
	value   Record
	stamp   ID // write that produced value
	deleted bool
}

// sequence is a replicated growable array. Elements are kept in document
// order; concurrent inserts after the same anchor are ordered by descending ID.
type sequence struct {
	elems []*element
}

func (s *sequence) find(id ID) int {
	for i, e := range s.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// integrate places a new element. The anchor must already be present.
func (s *sequence) integrate(id, after ID, v Record) bool {
	if s.find(id) >= 0 {
		return false
	}
	pos := 0
	if !after.IsZero() {
		i := s.find(after)
		if i < 0 {
			return false
		}
		pos = i + 1
	}
	for pos < len(s.elems) && id.Less(s.elems[pos].id) {
		pos++
	}
	e := &element{id: id, value: v, stamp: id}
	s.elems = append(s.elems, nil)
	copy(s.elems[pos+1:], s.elems[pos:])
	s.elems[pos] = e
	return true
}

func (s *sequence) tombstone(id ID) bool {
	i := s.find(id)
	if i < 0 || s.elems[i].deleted {
		return false
	}
	s.elems[i].deleted = true
	return true
}

// assign applies a last-writer-wins value write.
func (s *sequence) assign(target, stamp ID, v Record) bool {
	i := s.find(target)
	if i < 0 {
		return false
	}
	e := s.elems[i]
	if !e.stamp.Less(stamp) {
		return false
	}
	e.value = v
	e.stamp = stamp
	return !e.deleted
}

// visible returns the live elements in order.
func (s *sequence) visible() []*element {
	out := make([]*element, 0, len(s.elems))
	for _, e := range s.elems {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}

func (s *sequence) values() []Record {
	vis := s.visible()
	out := make([]Record, len(vis))
	for i, e := range vis {
		out[i] = e.value
	}
	return out
}

// last returns the final element id including tombstones, or the zero ID.
func (s *sequence) last() ID {
	if len(s.elems) == 0 {
		return ID{}
	}
	return s.elems[len(s.elems)-1].id
}

// anchorFor returns the element a new record must follow to land at visible
// position index.
func (s *sequence) anchorFor(index int) ID {
	if index == 0 {
		return ID{}
	}
	vis := s.visible()
	return vis[index-1].id
}
