package collaboration

import (
	"encoding/json"
	"sync"
	"time"

	"docsync/internal/models"
)

/*
LEARNING: AWARENESS IS NOT PART OF THE DOCUMENT

Cursor and selection blobs are relayed verbatim, never logged, never
retried, and delivered in whatever order they arrive. The only state kept
is the latest blob per connection of this process (last write wins), so a
newcomer can be shown who is already there. It dies with the connection.

Entries are keyed by session ID, not user ID, so two tabs of the same user
don't erase each other.
*/

// AwarenessChannel relays presence between the sessions of a room
type AwarenessChannel struct {
	sm *SessionManager

	mu      sync.RWMutex
	entries map[string]map[string]*models.AwarenessEntry // roomID -> sessionID -> entry
}

// NewAwarenessChannel creates the presence relay of a manager
func NewAwarenessChannel(sm *SessionManager) *AwarenessChannel {
	return &AwarenessChannel{
		sm:      sm,
		entries: make(map[string]map[string]*models.AwarenessEntry),
	}
}

// Publish records a session's presence and relays it to its peers
func (a *AwarenessChannel) Publish(s *Session, update []byte) {
	entry := &models.AwarenessEntry{UserID: s.UserID, Update: update, UpdatedAt: time.Now()}
	decodePresence(entry)

	a.mu.Lock()
	if a.entries[s.RoomID] == nil {
		a.entries[s.RoomID] = make(map[string]*models.AwarenessEntry)
	}
	a.entries[s.RoomID][s.ID()] = entry
	a.mu.Unlock()

	a.sm.Broadcast(s.RoomID, awarenessFrame(s.ID(), s.userInfo(), update), s)
	a.sm.publish(Envelope{
		Kind:     EnvelopeAwareness,
		RoomID:   s.RoomID,
		Producer: s.ID(),
		User:     s.UserID,
		Update:   update,
	})
}

// Remove drops a session's presence and tells its peers
func (a *AwarenessChannel) Remove(s *Session) {
	a.mu.Lock()
	if room, ok := a.entries[s.RoomID]; ok {
		delete(room, s.ID())
		if len(room) == 0 {
			delete(a.entries, s.RoomID)
		}
	}
	a.mu.Unlock()

	a.sm.handleBroadcast(&BroadcastMessage{
		RoomID:  s.RoomID,
		Message: removeFrame(s.ID(), s.userInfo()),
	})
	a.sm.publish(Envelope{
		Kind:     EnvelopeAwarenessRemove,
		RoomID:   s.RoomID,
		Producer: s.ID(),
		User:     s.UserID,
	})
}

// Entries returns the presence known for a room, keyed by session ID
func (a *AwarenessChannel) Entries(roomID string) map[string]*models.AwarenessEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]*models.AwarenessEntry, len(a.entries[roomID]))
	for id, e := range a.entries[roomID] {
		out[id] = e
	}
	return out
}

// greet sends the presence of everyone already in the room to a newcomer
func (a *AwarenessChannel) greet(s *Session) {
	for sessionID, e := range a.Entries(s.RoomID) {
		if sessionID == s.ID() {
			continue
		}
		s.enqueueRaw(awarenessFrame(sessionID, &models.UserInfo{ID: e.UserID}, e.Update), false)
	}
}

// deliverRemote relays presence published on another process. It is not
// stored; it belongs to a connection this process does not own.
func (a *AwarenessChannel) deliverRemote(env Envelope) {
	a.sm.handleBroadcast(&BroadcastMessage{
		RoomID:  env.RoomID,
		Message: awarenessFrame(env.Producer, &models.UserInfo{ID: env.User}, env.Update),
	})
}

func (a *AwarenessChannel) removeRemote(env Envelope) {
	a.sm.handleBroadcast(&BroadcastMessage{
		RoomID:  env.RoomID,
		Message: removeFrame(env.Producer, &models.UserInfo{ID: env.User}),
	})
}

func awarenessFrame(sessionID string, user *models.UserInfo, update []byte) []byte {
	return mustMarshal(&models.Message{
		Type:     models.MessageTypeAwareness,
		Producer: sessionID,
		User:     user,
		Update:   update,
	})
}

func removeFrame(sessionID string, user *models.UserInfo) []byte {
	return mustMarshal(&models.Message{
		Type:     models.MessageTypeAwarenessRemove,
		Producer: sessionID,
		User:     user,
	})
}

// decodePresence fills cursor, selection and color when the blob happens to
// be JSON presence; anything else stays opaque.
func decodePresence(entry *models.AwarenessEntry) {
	var p struct {
		Cursor    *models.Cursor    `json:"cursor"`
		Selection *models.Selection `json:"selection"`
		Color     string            `json:"color"`
	}
	if json.Unmarshal(entry.Update, &p) != nil {
		return
	}
	entry.Cursor, entry.Selection, entry.Color = p.Cursor, p.Selection, p.Color
}
