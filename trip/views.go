package trip

import (
	"sort"

	"github.com/alimasry/collab-getaway/crdt"
)

// Typed read accessors and change subscriptions for each collection. Watch
// functions call fn once with the current content, then after every change,
// until the returned cancel function is called.

func (p *Planner) Itinerary() []crdt.ItineraryDay {
	return typed[crdt.ItineraryDay](p.doc().Snapshot(crdt.Itinerary))
}

func (p *Planner) Markers() []crdt.MapMarker {
	return typed[crdt.MapMarker](p.doc().Snapshot(crdt.Markers))
}

func (p *Planner) Chat() []crdt.ChatMessage {
	return typed[crdt.ChatMessage](p.doc().Snapshot(crdt.Chat))
}

// Experiences returns the suggestions in document order.
func (p *Planner) Experiences() []crdt.ExperienceItem {
	return typed[crdt.ExperienceItem](p.doc().Snapshot(crdt.Experiences))
}

func (p *Planner) Photos() []crdt.Photo {
	return typed[crdt.Photo](p.doc().Snapshot(crdt.Photos))
}

func (p *Planner) ChangeFeed() []crdt.ChangeEvent {
	return typed[crdt.ChangeEvent](p.doc().Snapshot(crdt.ChangeFeed))
}

func (p *Planner) WatchItinerary(fn func([]crdt.ItineraryDay)) (cancel func()) {
	return watch(p.doc(), crdt.Itinerary, fn)
}

func (p *Planner) WatchMarkers(fn func([]crdt.MapMarker)) (cancel func()) {
	return watch(p.doc(), crdt.Markers, fn)
}

func (p *Planner) WatchChat(fn func([]crdt.ChatMessage)) (cancel func()) {
	return watch(p.doc(), crdt.Chat, fn)
}

// WatchExperiences delivers suggestions ranked by votes.
func (p *Planner) WatchExperiences(fn func([]crdt.ExperienceItem)) (cancel func()) {
	return watch(p.doc(), crdt.Experiences, func(items []crdt.ExperienceItem) {
		fn(SortedByVotes(items))
	})
}

func (p *Planner) WatchPhotos(fn func([]crdt.Photo)) (cancel func()) {
	return watch(p.doc(), crdt.Photos, fn)
}

func (p *Planner) WatchChangeFeed(fn func([]crdt.ChangeEvent)) (cancel func()) {
	return watch(p.doc(), crdt.ChangeFeed, fn)
}

// SortedByVotes returns a copy of items ordered by votes, highest first.
// Ties keep document order.
func SortedByVotes(items []crdt.ExperienceItem) []crdt.ExperienceItem {
	out := append([]crdt.ExperienceItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Votes > out[j].Votes })
	return out
}

func watch[T crdt.Record](doc *crdt.Document, c crdt.Collection, fn func([]T)) func() {
	sub := doc.Observe(c, func(rs []crdt.Record) { fn(typed[T](rs)) })
	fn(typed[T](doc.Snapshot(c)))
	return func() { doc.Unobserve(sub) }
}

func typed[T crdt.Record](rs []crdt.Record) []T {
	out := make([]T, 0, len(rs))
	for _, r := range rs {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
