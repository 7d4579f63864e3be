package crdt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func marker(id int64, title string) MapMarker {
	return MapMarker{ID: id, Lat: 51.5, Lng: -0.09, Title: title, AddedBy: "test", Timestamp: t0}
}

func day(id int64, title string) ItineraryDay {
	return ItineraryDay{ID: id, Title: title, Activities: []string{}, AddedBy: "test"}
}

func titles(t *testing.T, d *Document, c Collection) []string {
	t.Helper()
	var out []string
	for _, r := range d.Snapshot(c) {
		switch v := r.(type) {
		case MapMarker:
			out = append(out, v.Title)
		case ItineraryDay:
			out = append(out, v.Title)
		case ExperienceItem:
			out = append(out, v.Text)
		default:
			t.Fatalf("unexpected record %T", r)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustUpdate(t *testing.T) func(Update, error) Update {
	return func(u Update, err error) Update {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return u
	}
}

func TestDocument_AppendAndSnapshot(t *testing.T) {
	d := NewDocument("a")
	must := mustUpdate(t)

	must(d.Append(Markers, marker(1, "Louvre")))
	must(d.Append(Markers, marker(2, "Eiffel")))

	if got := titles(t, d, Markers); !equalStrings(got, []string{"Louvre", "Eiffel"}) {
		t.Errorf("markers = %v", got)
	}
	if d.Len(Markers) != 2 {
		t.Errorf("Len = %d, want 2", d.Len(Markers))
	}
	sv := d.StateVector()
	if sv["a"] != 2 {
		t.Errorf("state vector = %v, want a:2", sv)
	}
}

func TestDocument_Validation(t *testing.T) {
	d := NewDocument("a")

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"wrong kind", func() error {
			_, err := d.Append(Markers, day(1, "Day 1"))
			return err
		}, ErrKindMismatch},
		{"unknown collection", func() error {
			_, err := d.Append(Collection("nope"), day(1, "Day 1"))
			return err
		}, ErrUnknownCollection},
		{"marker out of range", func() error {
			m := marker(1, "x")
			m.Lat = 120
			_, err := d.Append(Markers, m)
			return err
		}, ErrInvalidRecord},
		{"empty chat", func() error {
			_, err := d.Append(Chat, ChatMessage{ID: 1, Text: "  "})
			return err
		}, ErrInvalidRecord},
		{"duplicate voter", func() error {
			_, err := d.Append(Experiences, ExperienceItem{ID: 1, Text: "Cruise", Votes: 2, Voters: []string{"a", "a"}})
			return err
		}, ErrInvalidRecord},
		{"delete out of range", func() error {
			_, err := d.DeleteAt(Itinerary, 0)
			return err
		}, ErrIndexOutOfRange},
		{"change feed delete", func() error {
			_, err := d.DeleteAt(ChangeFeed, 0)
			return err
		}, ErrAppendOnly},
		{"change feed reorder", func() error {
			_, err := d.ReorderAll(ChangeFeed, nil)
			return err
		}, ErrAppendOnly},
		{"chat replace", func() error {
			_, err := d.ReplaceAt(Chat, 0, ChatMessage{ID: 1, Text: "hi"})
			return err
		}, ErrImmutable},
		{"update missing", func() error {
			_, err := d.UpdateByID(Itinerary, 7, day(7, "x"))
			return err
		}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if sv := d.StateVector(); sv["a"] != 0 {
		t.Errorf("rejected mutations advanced the state vector: %v", sv)
	}
}

func TestDocument_PositionalEdits(t *testing.T) {
	d := NewDocument("a")
	must := mustUpdate(t)
	must(d.Append(Itinerary, day(1, "Arrival")))
	must(d.Append(Itinerary, day(2, "Museums")))
	must(d.Append(Itinerary, day(3, "Departure")))

	must(d.ReplaceAt(Itinerary, 1, day(2, "Museums and cafes")))
	if got := titles(t, d, Itinerary); !equalStrings(got, []string{"Arrival", "Museums and cafes", "Departure"}) {
		t.Fatalf("after replace: %v", got)
	}

	must(d.InsertAt(Itinerary, 0, day(4, "Flight")))
	must(d.DeleteAt(Itinerary, 3))
	if got := titles(t, d, Itinerary); !equalStrings(got, []string{"Flight", "Arrival", "Museums and cafes"}) {
		t.Fatalf("after insert/delete: %v", got)
	}

	must(d.UpdateByID(Itinerary, 1, day(1, "Arrival in Paris")))
	must(d.DeleteByID(Itinerary, 4))
	if got := titles(t, d, Itinerary); !equalStrings(got, []string{"Arrival in Paris", "Museums and cafes"}) {
		t.Fatalf("after id edits: %v", got)
	}

	rec, idx, ok := d.Find(Itinerary, 2)
	if !ok || idx != 1 || rec.(ItineraryDay).Title != "Museums and cafes" {
		t.Errorf("Find = %v, %d, %v", rec, idx, ok)
	}
}

func TestDocument_ReorderAll(t *testing.T) {
	d := NewDocument("a")
	must := mustUpdate(t)
	for i, title := range []string{"one", "two", "three"} {
		must(d.Append(Itinerary, day(int64(i+1), title)))
	}
	snap := d.Snapshot(Itinerary)
	order := []Record{snap[2], snap[0], snap[1]}
	u := must(d.ReorderAll(Itinerary, order))

	if got := titles(t, d, Itinerary); !equalStrings(got, []string{"three", "one", "two"}) {
		t.Errorf("after reorder: %v", got)
	}
	if len(u.Ops) != 4 || u.Ops[0].Kind != OpClear || len(u.Ops[0].Targets) != 3 {
		t.Errorf("reorder should be one clear plus three inserts, got %+v", u.Ops)
	}
}

func TestDocument_NextRecordIDMonotonic(t *testing.T) {
	d := NewDocument("a")
	prev := d.NextRecordID()
	for i := 0; i < 100; i++ {
		id := d.NextRecordID()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}

func TestDocument_ObserveAndUnobserve(t *testing.T) {
	d := NewDocument("a")
	remote := NewDocument("b")
	must := mustUpdate(t)

	var calls [][]Record
	sub := d.Observe(Markers, func(rs []Record) { calls = append(calls, rs) })
	other := 0
	d.Observe(Chat, func([]Record) { other++ })

	must(d.Append(Markers, marker(1, "a")))
	u := must(remote.Append(Markers, marker(2, "b")))
	if _, err := d.ApplyRemote(u); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || len(calls[1]) != 2 {
		t.Fatalf("calls = %v", calls)
	}
	if other != 0 {
		t.Errorf("chat observer fired %d times for marker changes", other)
	}

	d.Unobserve(sub)
	d.Unobserve(sub)
	must(d.Append(Markers, marker(3, "c")))
	if len(calls) != 2 {
		t.Errorf("observer fired after Unobserve")
	}
}

func TestApplyRemote_Idempotent(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	must := mustUpdate(t)

	u := must(a.Append(Markers, marker(1, "Louvre")))
	blob, err := EncodeUpdate(u)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		applied, err := b.ApplyUpdate(blob)
		if err != nil {
			t.Fatal(err)
		}
		if applied != (i == 0) {
			t.Errorf("apply #%d: applied = %v", i, applied)
		}
	}
	if b.Len(Markers) != 1 {
		t.Errorf("Len = %d after duplicate delivery, want 1", b.Len(Markers))
	}
	// Own updates echoed back are ignored too.
	if applied, _ := a.ApplyRemote(u); applied {
		t.Error("own update re-applied")
	}
}

func TestApplyRemote_OutOfOrder(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	c := NewDocument("c")
	must := mustUpdate(t)

	u1 := must(a.Append(Itinerary, day(1, "one")))
	if _, err := b.ApplyRemote(u1); err != nil {
		t.Fatal(err)
	}
	u2 := must(b.InsertAt(Itinerary, 1, day(2, "two")))

	// u2 depends on u1; deliver it first.
	applied, err := c.ApplyRemote(u2)
	if err != nil {
		t.Fatal(err)
	}
	if applied || c.Pending() != 1 {
		t.Fatalf("u2 applied early: applied=%v pending=%d", applied, c.Pending())
	}
	if applied, _ := c.ApplyRemote(u2); applied || c.Pending() != 1 {
		t.Fatal("duplicate pending update was queued twice")
	}
	if _, err := c.ApplyRemote(u1); err != nil {
		t.Fatal(err)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
	if got := titles(t, c, Itinerary); !equalStrings(got, []string{"one", "two"}) {
		t.Errorf("itinerary = %v", got)
	}
}

func TestUpdates_SinceStateVector(t *testing.T) {
	a := NewDocument("a")
	must := mustUpdate(t)
	must(a.Append(Markers, marker(1, "x")))
	must(a.Append(Markers, marker(2, "y")))

	if got := a.Updates(StateVector{"a": 1}); len(got) != 1 || got[0].Seq != 2 {
		t.Errorf("Updates(a:1) = %v", got)
	}
	if got := a.Updates(nil); len(got) != 2 {
		t.Errorf("Updates(nil) = %d updates, want 2", len(got))
	}
}

func snapshotJSON(t *testing.T, d *Document) string {
	t.Helper()
	all := make(map[Collection][]Record)
	for _, c := range Collections {
		all[c] = d.Snapshot(c)
	}
	b, err := json.Marshal(all)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
