package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"join", `{"type":"join","room":"paris","name":"Ana"}`, false},
		{"update", `{"type":"update","update":"AQID"}`, false},
		{"missing type", `{"room":"paris"}`, true},
		{"garbage", `{{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode(%s) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestEncode_BinaryAndPresence(t *testing.T) {
	m := Message{
		Type:     MsgUpdate,
		PeerID:   "01J0",
		Update:   []byte{0x0a, 0x00, 0xff},
		Presence: json.RawMessage(`{"clientId":"x","clock":1,"state":null}`),
	}
	got, err := Decode(m.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Update) != string(m.Update) {
		t.Errorf("update = %v, want %v", got.Update, m.Update)
	}
	if string(got.Presence) != string(m.Presence) {
		t.Errorf("presence = %s", got.Presence)
	}
	if e := Errorf("room %q is full", "paris"); e.Type != MsgError || e.Message != `room "paris" is full` {
		t.Errorf("Errorf = %+v", e)
	}
}
