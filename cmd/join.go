package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/alimasry/collab-getaway/assistant"
	"github.com/alimasry/collab-getaway/config"
	"github.com/alimasry/collab-getaway/crdt"
	"github.com/alimasry/collab-getaway/presence"
	"github.com/alimasry/collab-getaway/session"
	"github.com/alimasry/collab-getaway/trip"
)

func newJoinCmd() *cobra.Command {
	var identity bool
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Plan a trip from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, args[0], identity, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("relay", "", "relay websocket url")
	cmd.Flags().String("assistant-url", "", "assistant endpoint url")
	cmd.Flags().String("password", "", "room password")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("color", "", "display color")
	cmd.Flags().BoolVar(&identity, "identity-updates", false, "address votes and title edits by record id")
	return cmd
}

func runJoin(ctx context.Context, cfg *config.Config, room string, identity bool, in io.Reader, out io.Writer) error {
	user := trip.User{Name: cfg.Client.Name, Color: cfg.Client.Color}
	if user.Name == "" {
		user.Name = trip.DefaultUserName
	}

	doc := crdt.NewDocument(crdt.NewReplicaID())
	ch := presence.New(doc.Replica(), presence.Options{
		Timeout:   cfg.Presence.Timeout,
		Heartbeat: cfg.Presence.Heartbeat,
	})
	sess := session.New(doc, session.NewWebsocketTransport(cfg.Client.RelayURL, session.DefaultWebsocketSettings()), session.Options{
		Password: cfg.Client.Password,
		Name:     user.Name,
		Color:    user.Color,
		Presence: ch,
	})
	ch.SetBroadcaster(sess.BroadcastPresence)
	ch.SetLocalState(presence.Fields{Name: user.Name, Color: user.Color})

	var opts []trip.Option
	if identity {
		opts = append(opts, trip.WithIdentityUpdates())
	}
	r := &repl{
		planner:  trip.New(sess, user, opts...),
		presence: ch,
		conv:     assistant.NewConversation(assistant.NewClient(cfg.Client.AssistantURL, cfg.Client.Timeout)),
		out:      out,
	}

	cancelStatus := sess.OnStatus(func(s session.Status) { fmt.Fprintf(out, "* %s\n", s) })
	defer cancelStatus()
	cancelChat := r.watchChat()
	defer cancelChat()
	cancelPresence := r.watchPresence()
	defer cancelPresence()

	if err := sess.Connect(ctx, room); err != nil {
		return err
	}
	defer sess.Close()

	presenceCtx, stopPresence := context.WithCancel(ctx)
	defer stopPresence()
	go ch.Run(presenceCtx)
	// Runs before sess.Close, which flushes the queued leave.
	defer ch.Leave()

	fmt.Fprintf(out, "joined %s as %s; type \"help\" for commands\n", room, user.Name)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

const helpText = `commands:
  day <title>                 add a day
  rename <day-id> <title>     change a day's title
  activity <day-id> <text>    add an activity to a day
  rmday <day-id>              delete a day
  move <from> <to>            move a day (positions start at 0)
  pin <lat> <lng> [title]     add a map marker
  say <text>                  send a chat message
  suggest <text>              suggest an experience
  up|down <item-id>           vote on a suggestion
  photo <ref> [caption]       share a photo
  rmphoto <photo-id>          remove a photo
  ask <question>              ask the assistant
  where <lat> <lng>           share your position
  show | who | log | quit`

// repl executes one-line commands against a planner.
type repl struct {
	planner  *trip.Planner
	presence *presence.Channel
	conv     *assistant.Conversation
	out      io.Writer

	mu    sync.Mutex
	names map[string]string
}

func (r *repl) exec(ctx context.Context, line string) (quit bool, err error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	p := r.planner

	var ok bool
	switch verb {
	case "":
		return false, nil
	case "help":
		fmt.Fprintln(r.out, helpText)
		return false, nil
	case "quit", "exit":
		return true, nil
	case "show":
		r.show()
		return false, nil
	case "who":
		r.who()
		return false, nil
	case "log":
		for _, e := range p.ChangeFeed() {
			fmt.Fprintf(r.out, "%s  %s\n", e.Timestamp.Format("15:04:05"), e.Text)
		}
		return false, nil
	case "day":
		ok, err = p.AddDay(rest)
	case "rename":
		id, title, perr := idAndText(rest)
		if perr != nil {
			return false, perr
		}
		ok, err = p.EditDayTitle(id, title)
	case "activity":
		id, text, perr := idAndText(rest)
		if perr != nil {
			return false, perr
		}
		ok, err = p.AddActivity(id, text)
	case "rmday":
		id, perr := parseID(rest)
		if perr != nil {
			return false, perr
		}
		ok, err = p.DeleteDay(id)
	case "move":
		var from, to int
		if _, perr := fmt.Sscan(rest, &from, &to); perr != nil {
			return false, fmt.Errorf("usage: move <from> <to>")
		}
		ok, err = p.ReorderDays(from, to)
	case "pin":
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: pin <lat> <lng> [title]")
		}
		lat, lerr := strconv.ParseFloat(fields[0], 64)
		lng, gerr := strconv.ParseFloat(fields[1], 64)
		if lerr != nil || gerr != nil {
			return false, fmt.Errorf("usage: pin <lat> <lng> [title]")
		}
		ok, err = p.AddMarker(lat, lng, strings.Join(fields[2:], " "), "")
	case "say":
		ok, err = p.SendMessage(rest)
	case "suggest":
		ok, err = p.AddExperience(rest)
	case "up", "down":
		id, perr := parseID(rest)
		if perr != nil {
			return false, perr
		}
		dir := 1
		if verb == "down" {
			dir = -1
		}
		ok, err = p.Vote(id, dir)
	case "photo":
		ref, caption, _ := strings.Cut(rest, " ")
		ok, err = p.SharePhoto(ref, strings.TrimSpace(caption))
	case "rmphoto":
		id, perr := parseID(rest)
		if perr != nil {
			return false, perr
		}
		ok, err = p.RemovePhoto(id)
	case "ask":
		reply, _ := p.AskAssistant(ctx, r.conv, rest)
		if reply != "" {
			fmt.Fprintf(r.out, "assistant: %s\n", reply)
		}
		return false, nil
	case "where":
		var pos presence.Position
		if _, perr := fmt.Sscan(rest, &pos.Lat, &pos.Lng); perr != nil {
			return false, fmt.Errorf("usage: where <lat> <lng>")
		}
		r.presence.SetLocalState(presence.Fields{Position: &pos})
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q; try help", verb)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Fprintln(r.out, "nothing changed")
	}
	return false, nil
}

func (r *repl) show() {
	p := r.planner
	fmt.Fprintln(r.out, "itinerary:")
	for i, d := range p.Itinerary() {
		fmt.Fprintf(r.out, "  %d. [%d] %s\n", i, d.ID, d.Title)
		for _, a := range d.Activities {
			fmt.Fprintf(r.out, "       - %s\n", a)
		}
	}
	fmt.Fprintln(r.out, "places:")
	for _, m := range p.Markers() {
		fmt.Fprintf(r.out, "  [%d] %s (%.4f, %.4f) by %s\n", m.ID, m.Title, m.Lat, m.Lng, m.AddedBy)
	}
	fmt.Fprintln(r.out, "suggestions:")
	for _, e := range trip.SortedByVotes(p.Experiences()) {
		fmt.Fprintf(r.out, "  [%d] %+d %s\n", e.ID, e.Votes, e.Text)
	}
	fmt.Fprintln(r.out, "photos:")
	for _, ph := range p.Photos() {
		fmt.Fprintf(r.out, "  [%d] %s (%s) by %s\n", ph.ID, ph.Caption, ph.ImageRef, ph.AddedBy)
	}
}

func (r *repl) who() {
	for id, st := range r.presence.States() {
		marker := ""
		if id == r.presence.LocalID() {
			marker = " (you)"
		}
		where := ""
		if st.Position != nil {
			where = fmt.Sprintf(" at %.4f, %.4f", st.Position.Lat, st.Position.Lng)
		}
		fmt.Fprintf(r.out, "  %s%s%s\n", st.Name, where, marker)
	}
}

// watchChat prints messages from other users as they arrive.
func (r *repl) watchChat() func() {
	seen := -1
	me := r.planner.User().Name
	return r.planner.WatchChat(func(msgs []crdt.ChatMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if seen < 0 {
			seen = len(msgs)
			return
		}
		for _, m := range msgs[min(seen, len(msgs)):] {
			if m.Sender != me {
				fmt.Fprintf(r.out, "%s: %s\n", m.Sender, m.Text)
			}
		}
		seen = len(msgs)
	})
}

// watchPresence announces arrivals and departures. Names are remembered
// because a departed client's state is gone by the time it is reported.
func (r *repl) watchPresence() func() {
	return r.presence.OnChange(func(c presence.Change) {
		states := r.presence.States()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.names == nil {
			r.names = make(map[string]string)
		}
		for _, id := range append(c.Added, c.Updated...) {
			r.names[id] = states[id].Name
		}
		for _, id := range c.Added {
			fmt.Fprintf(r.out, "* %s is here\n", r.names[id])
		}
		for _, id := range c.Removed {
			glog.V(1).Infof("presence: %s left", id)
			fmt.Fprintf(r.out, "* %s left\n", r.names[id])
			delete(r.names, id)
		}
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func idAndText(s string) (int64, string, error) {
	idStr, text, _ := strings.Cut(s, " ")
	id, err := parseID(idStr)
	if err != nil {
		return 0, "", err
	}
	return id, strings.TrimSpace(text), nil
}
