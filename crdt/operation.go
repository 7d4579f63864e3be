package crdt

import "fmt"

// OpKind identifies a sequence operation.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpUpdate
	OpClear
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	case OpClear:
		return "clear"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Op is a single change to one collection.
//
//   - insert: element ID placed after element After (zero = head), holding Record.
//   - delete: tombstones Target.
//   - update: replaces the value of Target with Record; ID stamps the write.
//   - clear: tombstones every element in Targets.
type Op struct {
	Kind       OpKind
	Collection Collection
	ID         ID
	After      ID
	Target     ID
	Targets    []ID
	Record     Record
}

// Update is the unit of replication: every op produced by one local call,
// stamped with its origin, the origin's sequence number and the state the
// origin had observed when it was made.
type Update struct {
	Origin string
	Seq    uint64
	Deps   StateVector
	Ops    []Op
}

// IsEmpty reports whether the update carries no ops.
func (u Update) IsEmpty() bool { return len(u.Ops) == 0 }

func (u Update) String() string {
	return fmt.Sprintf("update %s#%d (%d ops)", u.Origin, u.Seq, len(u.Ops))
}

// ready reports whether every update u depends on has been applied.
func (u Update) ready(seen StateVector) bool {
	if u.Seq != seen[u.Origin]+1 {
		return false
	}
	for r, s := range u.Deps {
		if r == u.Origin {
			continue
		}
		if seen[r] < s {
			return false
		}
	}
	return true
}

// maxCounter is the highest Lamport counter referenced by u.
func (u Update) maxCounter() uint64 {
	var m uint64
	for _, op := range u.Ops {
		if op.ID.Counter > m {
			m = op.ID.Counter
		}
	}
	return m
}
