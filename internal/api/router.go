package api

import (
	"net/http"

	"docsync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Room endpoints (read only; edits go through the socket)
	api.HandleFunc("/rooms", h.ListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}", h.GetRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/catchup", h.CatchUp).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/state", h.GetState).Methods(http.MethodGet)

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// WebSocket routes
	r.HandleFunc("/ws/rooms/{id}", h.HandleRoomWebSocket)

	return r
}
