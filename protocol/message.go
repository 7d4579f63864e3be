// Package protocol defines the frames exchanged between a sync session and
// the relay over one websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	MsgJoin     = "join"
	MsgWelcome  = "welcome"
	MsgSync     = "sync"
	MsgUpdate   = "update"
	MsgPresence = "presence"
	MsgLeave    = "leave"
	MsgError    = "error"
)

// SyncChunk bounds the number of updates per sync frame. A replay ends with
// the first frame carrying fewer, so a log that fills its last frame is
// followed by an empty one.
const SyncChunk = 128

// Message is the envelope for every frame in either direction. Update blobs
// are opaque to the relay; []byte fields travel base64-encoded.
type Message struct {
	Type string `json:"type"`

	// join
	Room     string `json:"room,omitempty"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`

	// PeerID is the replica id of the sender, ClientID the relay connection.
	PeerID   string `json:"peerId,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	Update   []byte          `json:"update,omitempty"`
	Updates  [][]byte        `json:"updates,omitempty"`
	Presence json.RawMessage `json:"presence,omitempty"`

	Peers   []PeerInfo `json:"peers,omitempty"`
	Message string     `json:"message,omitempty"`
}

// PeerInfo describes a connected room member.
type PeerInfo struct {
	ClientID string `json:"clientId"`
	PeerID   string `json:"peerId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

// Encode serializes a Message to JSON bytes.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Decode parses one frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode frame: missing type")
	}
	return m, nil
}

// Errorf builds an error frame.
func Errorf(format string, args ...any) Message {
	return Message{Type: MsgError, Message: fmt.Sprintf(format, args...)}
}
