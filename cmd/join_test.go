package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/collab-getaway/assistant"
	"github.com/alimasry/collab-getaway/crdt"
	"github.com/alimasry/collab-getaway/presence"
	"github.com/alimasry/collab-getaway/trip"
)

func newTestRepl(t *testing.T, assistantURL string) (*repl, *bytes.Buffer) {
	t.Helper()
	r, out, _ := newTestReplDoc(t, assistantURL)
	return r, out
}

func newTestReplDoc(t *testing.T, assistantURL string) (*repl, *bytes.Buffer, *crdt.Document) {
	t.Helper()
	doc := crdt.NewDocument("replica-ana")
	out := &bytes.Buffer{}
	ch := presence.New(doc.Replica(), presence.Options{})
	ch.SetLocalState(presence.Fields{Name: "Ana"})
	return &repl{
		planner:  trip.New(trip.NewOffline(doc), trip.User{Name: "Ana"}),
		presence: ch,
		conv:     assistant.NewConversation(assistant.NewClient(assistantURL, time.Second)),
		out:      out,
	}, out, doc
}

func run(t *testing.T, r *repl, lines ...string) {
	t.Helper()
	for _, line := range lines {
		quit, err := r.exec(context.Background(), line)
		require.NoError(t, err, line)
		require.False(t, quit, line)
	}
}

func TestRepl_PlanningCommands(t *testing.T) {
	r, out := newTestRepl(t, "http://127.0.0.1:1/none")
	p := r.planner

	run(t, r, "day Arrival", "day Old town")
	days := p.Itinerary()
	require.Len(t, days, 2)

	run(t, r,
		"activity "+itoa(days[0].ID)+" Check in",
		"rename "+itoa(days[1].ID)+" Alfama walk",
		"move 1 0",
		"pin 38.71 -9.13 Miradouro da Graça",
		"say see you there",
		"suggest Fado night",
	)
	days = p.Itinerary()
	assert.Equal(t, "Alfama walk", days[0].Title)
	assert.Equal(t, []string{"Check in"}, days[1].Activities)
	require.Len(t, p.Markers(), 1)
	assert.Equal(t, "Miradouro da Graça", p.Markers()[0].Title)
	assert.Equal(t, "see you there", p.Chat()[0].Text)

	item := p.Experiences()[0]
	run(t, r, "up "+itoa(item.ID))
	assert.Equal(t, 1, p.Experiences()[0].Votes)
	run(t, r, "up "+itoa(item.ID))
	assert.Contains(t, out.String(), "nothing changed")

	run(t, r, "photo img-1 Sunset")
	photo := p.Photos()[0]
	assert.Equal(t, "Sunset", photo.Caption)
	run(t, r, "rmphoto "+itoa(photo.ID), "rmday "+itoa(days[1].ID))
	assert.Empty(t, p.Photos())
	assert.Len(t, p.Itinerary(), 1)

	out.Reset()
	run(t, r, "show", "log")
	assert.Contains(t, out.String(), "Alfama walk")
	assert.Contains(t, out.String(), "Ana added a location: Miradouro da Graça")
}

func TestRepl_Errors(t *testing.T) {
	r, _ := newTestRepl(t, "http://127.0.0.1:1/none")
	for _, line := range []string{"bogus", "pin north south", "rmday x", "move 1", "where here"} {
		_, err := r.exec(context.Background(), line)
		assert.Error(t, err, line)
	}
	quit, err := r.exec(context.Background(), "quit")
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestRepl_AskAndWhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(assistant.Response{Success: true, Message: "Take tram 28."})
	}))
	defer srv.Close()

	r, out := newTestRepl(t, srv.URL)
	run(t, r, "ask how do we get around?", "where 38.7 -9.1", "who")

	assert.Contains(t, out.String(), "assistant: Take tram 28.")
	assert.Contains(t, out.String(), "Ana at 38.7000, -9.1000 (you)")
	feed := r.planner.ChangeFeed()
	require.Len(t, feed, 1)
	assert.Equal(t, `AI Assistant responded to: "how do we get around?"`, feed[0].Text)
}

func TestRepl_Watchers(t *testing.T) {
	r, out, doc := newTestReplDoc(t, "http://127.0.0.1:1/none")
	cancelChat := r.watchChat()
	defer cancelChat()
	cancelPresence := r.watchPresence()
	defer cancelPresence()

	remote := crdt.NewDocument("replica-ben")
	ben := trip.New(trip.NewOffline(remote), trip.User{Name: "Ben"})
	_, err := ben.SendMessage("hello from Ben")
	require.NoError(t, err)
	for _, u := range remote.Updates(nil) {
		_, err := doc.ApplyRemote(u)
		require.NoError(t, err)
	}
	assert.Contains(t, out.String(), "Ben: hello from Ben")

	r.presence.Apply(presence.Update{ClientID: "replica-ben", Clock: 1, State: &presence.State{Name: "Ben"}})
	r.presence.Remove("replica-ben")
	assert.Contains(t, out.String(), "* Ben is here")
	assert.Contains(t, out.String(), "* Ben left")
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
