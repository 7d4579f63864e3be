package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Collection names one shared sequence in the document.
type Collection string

const (
	Itinerary   Collection = "itinerary"
	Markers     Collection = "markers"
	Chat        Collection = "chat"
	Experiences Collection = "experiences"
	Photos      Collection = "photos"
	ChangeFeed  Collection = "changeFeed"
)

// Collections lists every collection a document holds.
var Collections = []Collection{Itinerary, Markers, Chat, Experiences, Photos, ChangeFeed}

// Kind tags a record variant.
type Kind string

const (
	KindDay        Kind = "day"
	KindMarker     Kind = "marker"
	KindChat       Kind = "chat"
	KindExperience Kind = "experience"
	KindPhoto      Kind = "photo"
	KindChange     Kind = "change"
)

var collectionKinds = map[Collection]Kind{
	Itinerary:   KindDay,
	Markers:     KindMarker,
	Chat:        KindChat,
	Experiences: KindExperience,
	Photos:      KindPhoto,
	ChangeFeed:  KindChange,
}

// KindOf returns the record kind a collection accepts.
func KindOf(c Collection) (Kind, error) {
	k, ok := collectionKinds[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return k, nil
}

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrKindMismatch      = errors.New("record kind does not match collection")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrNotFound          = errors.New("record not found")
	ErrAppendOnly        = errors.New("collection is append-only")
	ErrImmutable         = errors.New("records in collection are immutable")
)

// Record is one entry of a shared collection. Records are values; callers
// that need a modified record build a new one.
type Record interface {
	Kind() Kind
	// RecordID is the immutable identifier, unique within its collection.
	RecordID() int64
	Validate() error
}

// ItineraryDay is one day of the plan.
type ItineraryDay struct {
	ID         int64    `json:"id"`
	Title      string   `json:"title"`
	Activities []string `json:"activities"`
	AddedBy    string   `json:"addedBy"`
}

func (d ItineraryDay) Kind() Kind      { return KindDay }
func (d ItineraryDay) RecordID() int64 { return d.ID }

func (d ItineraryDay) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: day %d has empty title", ErrInvalidRecord, d.ID)
	}
	return nil
}

// WithTitle returns a copy of the day carrying a new title.
func (d ItineraryDay) WithTitle(title string) ItineraryDay {
	d.Activities = slices.Clone(d.Activities)
	d.Title = title
	return d
}

// WithActivity returns a copy of the day with one more activity.
func (d ItineraryDay) WithActivity(activity string) ItineraryDay {
	d.Activities = append(slices.Clone(d.Activities), activity)
	return d
}

// MapMarker is a pin on the shared map.
type MapMarker struct {
	ID        int64     `json:"id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes"`
	AddedBy   string    `json:"addedBy"`
	Timestamp time.Time `json:"timestamp"`
}

func (m MapMarker) Kind() Kind      { return KindMarker }
func (m MapMarker) RecordID() int64 { return m.ID }

func (m MapMarker) Validate() error {
	if m.Lat < -90 || m.Lat > 90 || m.Lng < -180 || m.Lng > 180 {
		return fmt.Errorf("%w: marker %d at (%g, %g)", ErrInvalidRecord, m.ID, m.Lat, m.Lng)
	}
	return nil
}

// ChatMessage is immutable once created.
type ChatMessage struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Color     string    `json:"color"`
	Timestamp time.Time `json:"timestamp"`
}

func (c ChatMessage) Kind() Kind      { return KindChat }
func (c ChatMessage) RecordID() int64 { return c.ID }

func (c ChatMessage) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("%w: empty chat message", ErrInvalidRecord)
	}
	return nil
}

// ExperienceItem is a suggestion people vote on. Votes is the signed sum of
// the directions recorded for Voters.
type ExperienceItem struct {
	ID      int64    `json:"id"`
	Text    string   `json:"text"`
	Votes   int      `json:"votes"`
	Voters  []string `json:"voters"`
	AddedBy string   `json:"addedBy"`
}

func (e ExperienceItem) Kind() Kind      { return KindExperience }
func (e ExperienceItem) RecordID() int64 { return e.ID }

func (e ExperienceItem) Validate() error {
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: experience %d has empty text", ErrInvalidRecord, e.ID)
	}
	seen := make(map[string]bool, len(e.Voters))
	for _, v := range e.Voters {
		if seen[v] {
			return fmt.Errorf("%w: experience %d lists voter %q twice", ErrInvalidRecord, e.ID, v)
		}
		seen[v] = true
	}
	if abs(e.Votes) > len(e.Voters) {
		return fmt.Errorf("%w: experience %d has %d votes from %d voters", ErrInvalidRecord, e.ID, e.Votes, len(e.Voters))
	}
	return nil
}

// HasVoted reports whether user already voted on the item.
func (e ExperienceItem) HasVoted(user string) bool {
	return slices.Contains(e.Voters, user)
}

// WithVote returns a copy with user's vote counted.
func (e ExperienceItem) WithVote(user string, direction int) ExperienceItem {
	e.Voters = append(slices.Clone(e.Voters), user)
	e.Votes += direction
	return e
}

// Photo is a shared picture reference. Image bytes live elsewhere.
type Photo struct {
	ID        int64     `json:"id"`
	ImageRef  string    `json:"imageRef"`
	Caption   string    `json:"caption"`
	AddedBy   string    `json:"addedBy"`
	Timestamp time.Time `json:"timestamp"`
}

func (p Photo) Kind() Kind      { return KindPhoto }
func (p Photo) RecordID() int64 { return p.ID }

func (p Photo) Validate() error {
	if p.ImageRef == "" {
		return fmt.Errorf("%w: photo %d has no image", ErrInvalidRecord, p.ID)
	}
	return nil
}

// ChangeEvent is one line of the activity log.
type ChangeEvent struct {
	Text      string    `json:"text"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

func (c ChangeEvent) Kind() Kind { return KindChange }

// RecordID is the event time in milliseconds; change events are never
// addressed individually.
func (c ChangeEvent) RecordID() int64 { return c.Timestamp.UnixMilli() }

func (c ChangeEvent) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("%w: empty change event", ErrInvalidRecord)
	}
	return nil
}

func checkRecord(c Collection, r Record) error {
	want, err := KindOf(c)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.Kind() != want {
		return fmt.Errorf("%w: %s into %s", ErrKindMismatch, r.Kind(), c)
	}
	return r.Validate()
}

func marshalRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRecord(kind Kind, data []byte) (Record, error) {
	var (
		r   Record
		err error
	)
	switch kind {
	case KindDay:
		var v ItineraryDay
		err = json.Unmarshal(data, &v)
		r = v
	case KindMarker:
		var v MapMarker
		err = json.Unmarshal(data, &v)
		r = v
	case KindChat:
		var v ChatMessage
		err = json.Unmarshal(data, &v)
		r = v
	case KindExperience:
		var v ExperienceItem
		err = json.Unmarshal(data, &v)
		r = v
	case KindPhoto:
		var v Photo
		err = json.Unmarshal(data, &v)
		r = v
	case KindChange:
		var v ChangeEvent
		err = json.Unmarshal(data, &v)
		r = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s record: %w", kind, err)
	}
	return r, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
