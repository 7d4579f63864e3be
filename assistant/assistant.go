// Package assistant connects trip planners to a generative text service.
// The relay serves POST /api/ai-assistant through Handler; planners call it
// through Client, which never fails loudly.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/collab-getaway/crdt"
)

// FallbackMessage is shown in place of a reply when the assistant fails.
const FallbackMessage = "Sorry, I encountered an error. Please try again later."

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of POST /api/ai-assistant: the conversation so far
// plus a snapshot of the plan.
type Request struct {
	Messages  []Message           `json:"messages"`
	Itinerary []crdt.ItineraryDay `json:"itinerary"`
	Markers   []crdt.MapMarker    `json:"markers"`
}

// Response is the body returned by POST /api/ai-assistant.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Provider produces a reply for a request.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client calls a relay's assistant endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for endpoint, e.g.
// http://localhost:8080/api/ai-assistant.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{url: endpoint, http: &http.Client{Timeout: timeout}}
}

// Ask sends req and returns the reply. On any failure it returns
// FallbackMessage and false.
func (c *Client) Ask(ctx context.Context, req Request) (string, bool) {
	reply, err := c.ask(ctx, req)
	if err != nil {
		glog.Warningf("assistant: %v", err)
		return FallbackMessage, false
	}
	return reply, true
}

func (c *Client) ask(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		if out.Error == "" {
			out.Error = "failed to get AI response"
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Message, nil
}

// Conversation keeps the local history of one user's exchange with the
// assistant. The history is never shared through the document.
type Conversation struct {
	client *Client

	mu       sync.Mutex
	messages []Message
}

func NewConversation(c *Client) *Conversation {
	return &Conversation{client: c}
}

// Ask sends input with the history and plan snapshot. Both the question and
// the reply, or the fallback text, are appended to the history.
func (c *Conversation) Ask(ctx context.Context, input string, itinerary []crdt.ItineraryDay, markers []crdt.MapMarker) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: RoleUser, Content: input})
	req := Request{
		Messages:  append([]Message(nil), c.messages...),
		Itinerary: itinerary,
		Markers:   markers,
	}
	c.mu.Unlock()

	reply, ok := c.client.Ask(ctx, req)

	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: reply})
	c.mu.Unlock()
	return reply, ok
}

// History returns a copy of the conversation so far.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// SystemPrompt describes the plan to the model.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a helpful travel planning assistant for a group planning a trip together. ")
	b.WriteString("Give concise, practical suggestions based on their current plan.\n")
	if len(req.Itinerary) == 0 {
		b.WriteString("\nThe itinerary is empty.\n")
	} else {
		b.WriteString("\nItinerary:\n")
		for _, d := range req.Itinerary {
			fmt.Fprintf(&b, "- %s", d.Title)
			if len(d.Activities) > 0 {
				fmt.Fprintf(&b, ": %s", strings.Join(d.Activities, ", "))
			}
			b.WriteByte('\n')
		}
	}
	if len(req.Markers) > 0 {
		b.WriteString("\nSaved locations:\n")
		for _, m := range req.Markers {
			fmt.Fprintf(&b, "- %s (%.4f, %.4f)", m.Title, m.Lat, m.Lng)
			if m.Notes != "" {
				fmt.Fprintf(&b, ": %s", m.Notes)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
