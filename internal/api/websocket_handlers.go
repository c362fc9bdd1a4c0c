package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleRoomWebSocket joins a client to a room's sync session
func (h *Handler) HandleRoomWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleRoomConnection(w, r)
}
