package crdt

import (
	"testing"
)

// permutations calls fn with every ordering of n indexes (Heap's algorithm).
func permutations(n int, fn func([]int)) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var gen func(k int)
	gen = func(k int) {
		if k == 1 {
			fn(idx)
			return
		}
		for i := 0; i < k; i++ {
			gen(k - 1)
			if k%2 == 0 {
				idx[i], idx[k-1] = idx[k-1], idx[i]
			} else {
				idx[0], idx[k-1] = idx[k-1], idx[0]
			}
		}
	}
	gen(n)
}

func deliver(t *testing.T, dst *Document, updates ...Update) {
	t.Helper()
	for _, u := range updates {
		blob, err := EncodeUpdate(u)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dst.ApplyUpdate(blob); err != nil {
			t.Fatal(err)
		}
	}
}

// TestConvergence applies the same set of concurrent updates in every
// possible delivery order and checks all replicas end up identical.
func TestConvergence(t *testing.T) {
	must := mustUpdate(t)
	a := NewDocument("a")
	b := NewDocument("b")
	c := NewDocument("c")

	ua1 := must(a.Append(Markers, marker(1, "m1")))
	ua2 := must(a.Append(Markers, marker(2, "m2")))

	deliver(t, b, ua1)
	ub1 := must(b.Append(Markers, marker(3, "m3")))
	ub2 := must(b.ReplaceAt(Markers, 0, marker(1, "m1 edited")))

	deliver(t, c, ua1)
	uc1 := must(c.InsertAt(Markers, 0, marker(4, "m4")))
	uc2 := must(c.DeleteAt(Markers, 1))
	uc3 := must(c.Append(Itinerary, day(5, "Day 1")))

	all := []Update{ua1, ua2, ub1, ub2, uc1, uc2, uc3}

	ref := NewDocument("ref")
	deliver(t, ref, all...)
	want := snapshotJSON(t, ref)

	for _, title := range []string{"m1 edited", "m2", "m3", "m4"} {
		found := false
		for _, r := range ref.Snapshot(Markers) {
			if r.(MapMarker).Title == title {
				found = true
			}
		}
		if !found {
			t.Errorf("%q missing from converged markers %v", title, titles(t, ref, Markers))
		}
	}

	count := 0
	permutations(len(all), func(order []int) {
		count++
		d := NewDocument("x")
		for _, i := range order {
			deliver(t, d, all[i])
		}
		if d.Pending() != 0 {
			t.Fatalf("order %v left %d pending updates", order, d.Pending())
		}
		if got := snapshotJSON(t, d); got != want {
			t.Fatalf("order %v diverged:\n got  %s\n want %s", order, got, want)
		}
	})
	if count != 5040 {
		t.Fatalf("ran %d orderings", count)
	}

	// The authors converge too once they see everything.
	for _, d := range []*Document{a, b, c} {
		deliver(t, d, all...)
		if got := snapshotJSON(t, d); got != want {
			t.Errorf("replica %s diverged:\n got  %s\n want %s", d.Replica(), got, want)
		}
	}
}

func TestConvergence_ConcurrentOfflineMarkers(t *testing.T) {
	must := mustUpdate(t)
	a := NewDocument("a")
	b := NewDocument("b")

	ua := must(a.Append(Markers, marker(100, "Cafe")))
	ub := must(b.Append(Markers, marker(200, "Museum")))

	deliver(t, a, ub)
	deliver(t, b, ua)

	if a.Len(Markers) != 2 || b.Len(Markers) != 2 {
		t.Fatalf("lens = %d, %d; want 2 each", a.Len(Markers), b.Len(Markers))
	}
	if snapshotJSON(t, a) != snapshotJSON(t, b) {
		t.Errorf("replicas diverged: %v vs %v", titles(t, a, Markers), titles(t, b, Markers))
	}
}

// Two replicas replacing the same record by position both keep their
// insert: the record shows up twice and neither copy has both edits.
func TestConvergence_ConcurrentReplaceAtDuplicates(t *testing.T) {
	must := mustUpdate(t)
	a := NewDocument("a")
	b := NewDocument("b")

	item := ExperienceItem{ID: 1, Text: "Sunset cruise", Voters: []string{}, AddedBy: "a"}
	deliver(t, b, must(a.Append(Experiences, item)))

	ua := must(a.ReplaceAt(Experiences, 0, item.WithVote("alice", 1)))
	ub := must(b.ReplaceAt(Experiences, 0, item.WithVote("bob", 1)))
	deliver(t, a, ub)
	deliver(t, b, ua)

	if snapshotJSON(t, a) != snapshotJSON(t, b) {
		t.Fatal("replicas diverged")
	}
	snap := a.Snapshot(Experiences)
	if len(snap) != 2 {
		t.Fatalf("got %d copies, want 2", len(snap))
	}
	for _, r := range snap {
		if e := r.(ExperienceItem); e.Votes != 1 || len(e.Voters) != 1 {
			t.Errorf("copy %+v carries both votes", e)
		}
	}
}

func TestConvergence_ConcurrentUpdateByID(t *testing.T) {
	must := mustUpdate(t)
	a := NewDocument("a")
	b := NewDocument("b")

	deliver(t, b, must(a.Append(Itinerary, day(1, "Day 1"))))

	ua := must(a.UpdateByID(Itinerary, 1, day(1, "Arrival")))
	ub := must(b.UpdateByID(Itinerary, 1, day(1, "Beach")))
	deliver(t, a, ub)
	deliver(t, b, ua)

	if a.Len(Itinerary) != 1 {
		t.Fatalf("Len = %d, want 1", a.Len(Itinerary))
	}
	if snapshotJSON(t, a) != snapshotJSON(t, b) {
		t.Errorf("replicas diverged: %v vs %v", titles(t, a, Itinerary), titles(t, b, Itinerary))
	}
	// Equal counters tie-break on replica id.
	if got := titles(t, a, Itinerary)[0]; got != "Beach" {
		t.Errorf("winner = %q, want %q", got, "Beach")
	}
}

// A reorder clears every record it observed, so a concurrent in-place edit
// of one of them is lost, while a concurrent append survives.
func TestConvergence_ReorderLosesConcurrentEdit(t *testing.T) {
	must := mustUpdate(t)
	a := NewDocument("a")
	b := NewDocument("b")

	deliver(t, b,
		must(a.Append(Itinerary, day(1, "one"))),
		must(a.Append(Itinerary, day(2, "two"))),
	)

	snap := a.Snapshot(Itinerary)
	ua := must(a.ReorderAll(Itinerary, []Record{snap[1], snap[0]}))
	ub1 := must(b.UpdateByID(Itinerary, 1, day(1, "one, edited")))
	ub2 := must(b.Append(Itinerary, day(3, "three")))

	deliver(t, a, ub1, ub2)
	deliver(t, b, ua)

	if snapshotJSON(t, a) != snapshotJSON(t, b) {
		t.Fatalf("replicas diverged: %v vs %v", titles(t, a, Itinerary), titles(t, b, Itinerary))
	}
	got := titles(t, a, Itinerary)
	if len(got) != 3 {
		t.Fatalf("itinerary = %v, want 3 days", got)
	}
	hasThree := false
	for _, title := range got {
		if title == "one, edited" {
			t.Errorf("edit survived the reorder: %v", got)
		}
		if title == "three" {
			hasThree = true
		}
	}
	if !hasThree {
		t.Errorf("concurrent append lost: %v", got)
	}
}

func TestCodec_Errors(t *testing.T) {
	if _, err := DecodeUpdate([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := DecodeUpdate(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestCodec_PreservesOps(t *testing.T) {
	must := mustUpdate(t)
	a := NewDocument("a")
	must(a.Append(Itinerary, day(1, "one")))
	must(a.Append(Itinerary, day(2, "two")))
	snap := a.Snapshot(Itinerary)
	u := must(a.ReorderAll(Itinerary, []Record{snap[1], snap[0]}))

	blob, err := EncodeUpdate(u)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeUpdate(blob)
	if err != nil {
		t.Fatal(err)
	}
	if got.Origin != "a" || got.Seq != 3 || got.Deps["a"] != 2 {
		t.Errorf("header = %s deps %v", got, got.Deps)
	}
	if len(got.Ops) != 3 || got.Ops[0].Kind != OpClear || len(got.Ops[0].Targets) != 2 {
		t.Fatalf("ops = %+v", got.Ops)
	}
	if got.Ops[2].After != got.Ops[1].ID {
		t.Errorf("second insert should follow the first: %+v", got.Ops[2])
	}
	if d, ok := got.Ops[1].Record.(ItineraryDay); !ok || d.Title != "two" {
		t.Errorf("record = %#v", got.Ops[1].Record)
	}
}
