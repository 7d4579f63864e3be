// Package trip implements the trip planner's editing rules on top of the
// shared document: one vote per user, an append-only activity log and
// whole-itinerary reordering.
package trip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/collab-getaway/assistant"
	"github.com/alimasry/collab-getaway/crdt"
)

const (
	DefaultUserName    = "Anonymous"
	DefaultMarkerTitle = "Untitled Location"
	DefaultCaption     = "Untitled photo"
)

// errSkip aborts a mutation that breaks a planner rule.
var errSkip = errors.New("trip: rule violated")

// User is the person acting through a Planner.
type User struct {
	Name  string
	Color string
}

// Mutator applies local changes to a replica. A sync session is one; so is
// Offline.
type Mutator interface {
	Document() *crdt.Document
	Mutate(func(*crdt.Document) (crdt.Update, error)) error
}

// Offline applies changes to a bare document that is not connected to a
// room.
type Offline struct {
	doc *crdt.Document
}

func NewOffline(doc *crdt.Document) *Offline { return &Offline{doc: doc} }

func (o *Offline) Document() *crdt.Document { return o.doc }

func (o *Offline) Mutate(fn func(*crdt.Document) (crdt.Update, error)) error {
	_, err := fn(o.doc)
	return err
}

// Option customizes a Planner.
type Option func(*Planner)

// WithIdentityUpdates makes in-place edits (votes, title edits, activities)
// address records by id instead of by position. Concurrent edits of the
// same record then resolve to a single winner instead of duplicating it.
func WithIdentityUpdates() Option {
	return func(p *Planner) { p.identity = true }
}

// WithClock sets the time source for record and activity-log timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// Planner applies user actions to the shared trip. Actions that break a
// rule (empty input, a second vote, an unknown id) are no-ops that return
// false and no error.
type Planner struct {
	user     User
	m        Mutator
	identity bool
	now      func() time.Time
}

func New(m Mutator, user User, opts ...Option) *Planner {
	if strings.TrimSpace(user.Name) == "" {
		user.Name = DefaultUserName
	}
	p := &Planner{user: user, m: m, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// User returns the acting user.
func (p *Planner) User() User { return p.user }

func (p *Planner) doc() *crdt.Document { return p.m.Document() }

func (p *Planner) timestamp() time.Time {
	return p.now().UTC().Truncate(time.Millisecond)
}

// apply runs fn through the mutator and folds rule violations into a
// false result. A record that disappeared between lookup and edit counts
// as a violation too.
func (p *Planner) apply(fn func(*crdt.Document) (crdt.Update, error)) (bool, error) {
	err := p.m.Mutate(fn)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errSkip), errors.Is(err, crdt.ErrNotFound), errors.Is(err, crdt.ErrIndexOutOfRange):
		glog.V(2).Infof("trip: %s: skipped: %v", p.user.Name, err)
		return false, nil
	}
	return false, err
}

// replace writes r over the record at index, by position or by id
// depending on the planner mode.
func (p *Planner) replace(d *crdt.Document, c crdt.Collection, index int, r crdt.Record) (crdt.Update, error) {
	if p.identity {
		return d.UpdateByID(c, r.RecordID(), r)
	}
	return d.ReplaceAt(c, index, r)
}

// logChange appends to the activity log. Failures are logged and dropped;
// they never undo the change being described.
func (p *Planner) logChange(format string, args ...any) {
	ev := crdt.ChangeEvent{
		Text:      fmt.Sprintf(format, args...),
		User:      p.user.Name,
		Timestamp: p.timestamp(),
	}
	err := p.m.Mutate(func(d *crdt.Document) (crdt.Update, error) {
		return d.Append(crdt.ChangeFeed, ev)
	})
	if err != nil {
		glog.Warningf("trip: activity log %q: %v", ev.Text, err)
	}
}

// AddDay appends a day to the itinerary.
func (p *Planner) AddDay(title string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return false, nil
	}
	day := crdt.ItineraryDay{
		ID:         p.doc().NextRecordID(),
		Title:      title,
		Activities: []string{},
		AddedBy:    p.user.Name,
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		return d.Append(crdt.Itinerary, day)
	})
	if ok {
		p.logChange("%s added day: %s", p.user.Name, title)
	}
	return ok, err
}

// EditDayTitle renames the day with the given id.
func (p *Planner) EditDayTitle(id int64, title string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return false, nil
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		rec, idx, found := d.Find(crdt.Itinerary, id)
		if !found {
			return crdt.Update{}, errSkip
		}
		return p.replace(d, crdt.Itinerary, idx, rec.(crdt.ItineraryDay).WithTitle(title))
	})
	if ok {
		p.logChange("%s updated day to: %s", p.user.Name, title)
	}
	return ok, err
}

// AddActivity appends an activity to a day.
func (p *Planner) AddActivity(dayID int64, activity string) (bool, error) {
	activity = strings.TrimSpace(activity)
	if activity == "" {
		return false, nil
	}
	var dayTitle string
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		rec, idx, found := d.Find(crdt.Itinerary, dayID)
		if !found {
			return crdt.Update{}, errSkip
		}
		day := rec.(crdt.ItineraryDay)
		dayTitle = day.Title
		return p.replace(d, crdt.Itinerary, idx, day.WithActivity(activity))
	})
	if ok {
		p.logChange("%s added activity to %s: %s", p.user.Name, dayTitle, activity)
	}
	return ok, err
}

// DeleteDay removes the day with the given id.
func (p *Planner) DeleteDay(id int64) (bool, error) {
	var title string
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		rec, _, found := d.Find(crdt.Itinerary, id)
		if !found {
			return crdt.Update{}, errSkip
		}
		title = rec.(crdt.ItineraryDay).Title
		return d.DeleteByID(crdt.Itinerary, id)
	})
	if ok {
		p.logChange("%s deleted day: %s", p.user.Name, title)
	}
	return ok, err
}

// ReorderDays moves the day at index from to index to and rewrites the
// whole itinerary in the new order.
func (p *Planner) ReorderDays(from, to int) (bool, error) {
	if from == to {
		return false, nil
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		days := d.Snapshot(crdt.Itinerary)
		if from < 0 || from >= len(days) || to < 0 || to >= len(days) {
			return crdt.Update{}, errSkip
		}
		return d.ReorderAll(crdt.Itinerary, move(days, from, to))
	})
	if ok {
		p.logChange("%s reordered the itinerary", p.user.Name)
	}
	return ok, err
}

func move(rs []crdt.Record, from, to int) []crdt.Record {
	out := make([]crdt.Record, 0, len(rs))
	out = append(out, rs[:from]...)
	out = append(out, rs[from+1:]...)
	out = append(out[:to], append([]crdt.Record{rs[from]}, out[to:]...)...)
	return out
}

// AddMarker pins a location on the shared map.
func (p *Planner) AddMarker(lat, lng float64, title, notes string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultMarkerTitle
	}
	m := crdt.MapMarker{
		ID:        p.doc().NextRecordID(),
		Lat:       lat,
		Lng:       lng,
		Title:     title,
		Notes:     strings.TrimSpace(notes),
		AddedBy:   p.user.Name,
		Timestamp: p.timestamp(),
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		return d.Append(crdt.Markers, m)
	})
	if ok {
		p.logChange("%s added a location: %s", p.user.Name, title)
	}
	return ok, err
}

// SendMessage posts to the group chat.
func (p *Planner) SendMessage(text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	msg := crdt.ChatMessage{
		ID:        p.doc().NextRecordID(),
		Text:      text,
		Sender:    p.user.Name,
		Color:     p.user.Color,
		Timestamp: p.timestamp(),
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		return d.Append(crdt.Chat, msg)
	})
	if ok {
		p.logChange("%s sent a message", p.user.Name)
	}
	return ok, err
}

// AddExperience suggests something to vote on.
func (p *Planner) AddExperience(text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	item := crdt.ExperienceItem{
		ID:      p.doc().NextRecordID(),
		Text:    text,
		Voters:  []string{},
		AddedBy: p.user.Name,
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		return d.Append(crdt.Experiences, item)
	})
	if ok {
		p.logChange("%s suggested: %s", p.user.Name, text)
	}
	return ok, err
}

// Vote records the user's vote on an experience. direction is +1 or -1;
// each user votes at most once per item.
//
// The read and the write are not atomic across replicas. In the default
// positional mode two users voting at the same time each rewrite the item,
// and both copies survive with one vote each.
func (p *Planner) Vote(itemID int64, direction int) (bool, error) {
	if direction != 1 && direction != -1 {
		return false, nil
	}
	var text string
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		rec, idx, found := d.Find(crdt.Experiences, itemID)
		if !found {
			return crdt.Update{}, errSkip
		}
		item := rec.(crdt.ExperienceItem)
		if item.HasVoted(p.user.Name) {
			return crdt.Update{}, errSkip
		}
		text = item.Text
		return p.replace(d, crdt.Experiences, idx, item.WithVote(p.user.Name, direction))
	})
	if ok {
		verb := "upvoted"
		if direction < 0 {
			verb = "downvoted"
		}
		p.logChange("%s %s \"%s\"", p.user.Name, verb, text)
	}
	return ok, err
}

// SharePhoto adds a photo reference to the album.
func (p *Planner) SharePhoto(imageRef, caption string) (bool, error) {
	if strings.TrimSpace(imageRef) == "" {
		return false, nil
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		caption = DefaultCaption
	}
	photo := crdt.Photo{
		ID:        p.doc().NextRecordID(),
		ImageRef:  imageRef,
		Caption:   caption,
		AddedBy:   p.user.Name,
		Timestamp: p.timestamp(),
	}
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		return d.Append(crdt.Photos, photo)
	})
	if ok {
		p.logChange("%s shared a photo: %s", p.user.Name, caption)
	}
	return ok, err
}

// RemovePhoto deletes a photo from the album.
func (p *Planner) RemovePhoto(id int64) (bool, error) {
	var caption string
	ok, err := p.apply(func(d *crdt.Document) (crdt.Update, error) {
		rec, _, found := d.Find(crdt.Photos, id)
		if !found {
			return crdt.Update{}, errSkip
		}
		caption = rec.(crdt.Photo).Caption
		return d.DeleteByID(crdt.Photos, id)
	})
	if ok {
		p.logChange("%s removed a photo: %s", p.user.Name, caption)
	}
	return ok, err
}

// AskAssistant sends a question with the current itinerary and markers.
// Successful answers are noted in the activity log; failures return the
// fallback text and false.
func (p *Planner) AskAssistant(ctx context.Context, conv *assistant.Conversation, question string) (string, bool) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", false
	}
	reply, ok := conv.Ask(ctx, question, p.Itinerary(), p.Markers())
	if ok {
		p.logChange("AI Assistant responded to: \"%s\"", question)
	}
	return reply, ok
}
