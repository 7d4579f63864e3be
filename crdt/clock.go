package crdt

import (
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
)

// ID identifies an element or a write. Counter comes from the document-wide
// Lamport clock; Replica breaks ties between concurrent writers.
type ID struct {
	Counter uint64 `json:"counter"`
	Replica string `json:"replica"`
}

// IsZero reports whether id is the head sentinel.
func (id ID) IsZero() bool { return id.Counter == 0 && id.Replica == "" }

// Less orders IDs by counter, then by replica.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Replica < other.Replica
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.Replica)
}

// NewReplicaID returns a fresh replica identifier.
func NewReplicaID() string {
	return ulid.Make().String()
}

// StateVector maps a replica to the highest update sequence number applied
// from it.
type StateVector map[string]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for r, s := range sv {
		out[r] = s
	}
	return out
}

// Covers reports whether sv has seen everything other has seen.
func (sv StateVector) Covers(other StateVector) bool {
	for r, s := range other {
		if sv[r] < s {
			return false
		}
	}
	return true
}

// Replicas returns the replica ids in sorted order.
func (sv StateVector) Replicas() []string {
	out := make([]string, 0, len(sv))
	for r := range sv {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
