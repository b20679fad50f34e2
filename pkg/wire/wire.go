// Package wire defines the json envelopes exchanged over the realtime socket.
// []byte fields travel base64 encoded courtesy of encoding/json.
package wire

import (
	"encoding/json"
	"fmt"
)

const (
	// client -> server
	TypeJoin    = "join"
	TypeUpdate  = "update"
	TypeContent = "content"
	TypeCursor  = "cursor"

	// server -> client
	TypeBootstrap     = "bootstrap"
	TypeRosterChanged = "roster_changed"
	TypeError         = "error"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Join is the first message a client must send after connecting.
type Join struct {
	Token  string `json:"token"`
	NoteID string `json:"note_id"`
}

// Update carries one mergeable fragment. The server rebroadcasts the raw
// fragment, not a derived diff, so every replica applies the same operation.
type Update struct {
	NoteID   string `json:"note_id,omitempty"`
	Fragment []byte `json:"fragment"`
}

// Content is the degraded whole-content exchange used when the server runs in
// last-writer-wins mode.
type Content struct {
	NoteID  string `json:"note_id,omitempty"`
	Content []byte `json:"content"`
}

type Cursor struct {
	UserID   string          `json:"user_id,omitempty"`
	Position json.RawMessage `json:"position"`
}

// Bootstrap is sent once to a joining session: the cached base state, the log
// fragments after it, and the deduplicated presence roster.
type Bootstrap struct {
	Title     string            `json:"title"`
	Content   []byte            `json:"content,omitempty"`
	Fragments [][]byte          `json:"fragments,omitempty"`
	Roster    map[string]string `json:"roster"`
}

type RosterChanged struct {
	Roster map[string]string `json:"roster"`
}

type Error struct {
	Message string `json:"message"`
}

func Encode(eventType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: raw}, nil
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(eventType string, payload interface{}) Envelope {
	e, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return e
}

func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}
