package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"termtalk/internal/auth"
	"termtalk/pkg/logger"
)

// PresenceQueries are the read-only lookups served straight from the
// presence store.
type PresenceQueries interface {
	ListRooms(ctx context.Context) ([]string, error)
	ListUsersInRoom(ctx context.Context, room string) ([]string, error)
	ListUsersOnline(ctx context.Context) ([]string, error)
}

type RoomHandlers struct {
	presence    PresenceQueries
	authService *auth.Service
}

func NewRoomHandlers(presence PresenceQueries, authService *auth.Service) *RoomHandlers {
	return &RoomHandlers{
		presence:    presence,
		authService: authService,
	}
}

// ListRooms serves GET /rooms.
func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	rooms, err := h.presence.ListRooms(r.Context())
	if err != nil {
		logger.Error("List rooms error: %v", err)
		http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"rooms": nonNil(rooms),
		"count": len(rooms),
	})
}

// GetRoomUsers serves GET /rooms/{name}/users.
func (h *RoomHandlers) GetRoomUsers(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	room, ok := roomFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "endpoint not found", http.StatusNotFound)
		return
	}

	users, err := h.presence.ListUsersInRoom(r.Context(), room)
	if err != nil {
		logger.Error("Get room users error: %v", err)
		http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"room":  room,
		"users": nonNil(users),
		"count": len(users),
	})
}

// GetOnlineUsers serves GET /online.
func (h *RoomHandlers) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	users, err := h.presence.ListUsersOnline(r.Context())
	if err != nil {
		logger.Error("Get online users error: %v", err)
		http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"users": nonNil(users),
		"count": len(users),
	})
}

func (h *RoomHandlers) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if _, err := h.authService.VerifyRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// roomFromPath extracts name from /rooms/{name}/users.
func roomFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "rooms" || parts[1] == "" || parts[2] != "users" {
		return "", false
	}
	return parts[1], true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
