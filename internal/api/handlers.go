package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"docsync/internal/docsync"
	"docsync/internal/middleware"
	"docsync/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	rooms      RoomDirectory                   // Interface defined in this package!
	wsHandler  *collaboration.WebSocketHandler // WebSocket for real-time sync
	instanceID string
}

func NewHandler(rooms RoomDirectory, wsHandler *collaboration.WebSocketHandler, instanceID string) *Handler {
	return &Handler{
		rooms:      rooms,
		wsHandler:  wsHandler,
		instanceID: instanceID,
	}
}

// errorBody is the JSON shape of every failed request
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, docsync.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docsync.ErrBadPayload):
		status = http.StatusBadRequest
	case errors.Is(err, docsync.ErrRegistryClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		middleware.AddSpanError(r.Context(), err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: docsync.CodeOf(err)})
}

// Health reports liveness and which instance answered
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"instance": h.instanceID,
		"rooms":    len(h.rooms.Rooms()),
	})
}

// Room handlers

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.Rooms()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room.Stats())
}

// CatchUp answers the same patch/full decision a socket pull gets
func (h *Handler) CatchUp(w http.ResponseWriter, r *http.Request) {
	var fromSeq uint64
	if s := r.URL.Query().Get("fromSeq"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "fromSeq must be a non-negative integer", Code: docsync.CodeBadPayload})
			return
		}
		fromSeq = n
	}

	room, err := h.rooms.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	reply := room.CatchUp(r.Context(), fromSeq, nil)
	writeJSON(w, http.StatusOK, collaboration.ReplyMessage(reply, false))
}

// GetState returns the encoded document; its seq is in X-Doc-Seq
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	seq, state := room.EncodeFull()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Doc-Seq", strconv.FormatUint(seq, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(state)
}
