package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a room
type Session struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// AwarenessEntry is one user's presence (cursor, selection, color).
// Learning: This is separate from document content - it's ephemeral user
// state, last write wins, never logged and gone when the user disconnects.
// The server relays Update verbatim; the decoded fields are for clients
// that choose to send JSON presence.
type AwarenessEntry struct {
	UserID    string     `json:"user_id"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	Color     string     `json:"color,omitempty"`
	Update    []byte     `json:"update,omitempty"` // opaque encoded presence blob
	UpdatedAt time.Time  `json:"updated_at"`
}

// Cursor is a position on a canvas or in a buffer
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection is a range in a code buffer or a set of selected canvas shapes
type Selection struct {
	Anchor int      `json:"anchor,omitempty"`
	Head   int      `json:"head,omitempty"`
	IDs    []string `json:"ids,omitempty"`
}

// UserInfo represents information about a connected user
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewSession(roomID, userID, userName string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		RoomID:       roomID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
