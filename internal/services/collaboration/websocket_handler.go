package collaboration

import (
	"context"
	"log"
	"net/http"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: JOINING A ROOM

Order matters when a socket joins:

1. Acquire the room (loads it from the durable log on first use)
2. Upgrade the HTTP connection
3. Room.Join queues the init frame under the room lock, so no committed
   update can slip between the snapshot the client gets and the updates
   that follow it
4. The manager announces the session, then presence of the others is sent
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check Origin against an allow-list once one is configurable
		return true
	},
}

// WebSocketHandler handles WebSocket connections for rooms
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleRoomConnection handles a WebSocket connection to one room
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if roomID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	// Extract user info from query params (in production, use proper auth)
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = uuid.NewString()
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("room.id", roomID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	registry := h.sessionManager.Registry()
	room, err := registry.Acquire(ctx, roomID)
	if err != nil {
		log.Printf("Failed to open room %s: %v", roomID, err)
		middleware.AddSpanError(ctx, err)
		http.Error(w, "failed to open room", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		registry.Release(roomID)
		return
	}

	session := newSession(h.sessionManager, conn, room, models.NewSession(roomID, userID, userName))
	session.join()
	if !h.sessionManager.enter(session) {
		// Shutting down.
		session.disconnect()
		conn.Close()
		registry.Release(roomID)
		return
	}
	h.sessionManager.awareness.greet(session)

	// The request context ends when this handler returns.
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump()
	go session.ReadPump(pumpCtx)

	log.Printf("✓ WebSocket connection established for room %s (user: %s, session: %s, seq: %d)",
		roomID, userName, session.ID(), session.Cursor())
}
