package handlers

import (
	"net/http"

	"termtalk/internal/auth"
	"termtalk/internal/services"
	ws "termtalk/internal/websocket"
	"termtalk/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	chatService *services.ChatService
	registry    *ws.Registry
	clientCfg   ws.Config
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, chatService *services.ChatService, registry *ws.Registry, clientCfg ws.Config) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		chatService: chatService,
		registry:    registry,
		clientCfg:   clientCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // terminal clients send no Origin
		},
	}
}

// HandleConnect serves GET /connect.
func (h *WebSocketHandlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authService.VerifyRequest(r)
	if err != nil {
		logger.Debug("Rejected connect: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(conn, h.chatService, h.registry, h.clientCfg)
	client.Serve(r.Context(), claims.Username)
}
