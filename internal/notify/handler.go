package notify

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/fetchrelay/backend/internal/auth"
	"github.com/fetchrelay/backend/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Configure allowed origins for production
		return true
	},
}

// Handler handles WebSocket connections.
type Handler struct {
	hub         *Hub
	authService *auth.Service
	log         *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, authService *auth.Service, log *logger.Logger) *Handler {
	return &Handler{
		hub:         hub,
		authService: authService,
		log:         log,
	}
}

// ServeWS handles WebSocket requests from clients.
// Authentication is done via query parameter: ?token=<jwt_token>
// This is necessary because browser WebSocket API doesn't support custom headers.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, `{"code":"UNAUTHORIZED","message":"missing token parameter"}`, http.StatusUnauthorized)
		return
	}

	claims, err := h.authService.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			http.Error(w, `{"code":"UNAUTHORIZED","message":"token has expired"}`, http.StatusUnauthorized)
			return
		}
		http.Error(w, `{"code":"UNAUTHORIZED","message":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := NewClient(h.hub, conn, claims.OwnerID)
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// GetHub returns the hub instance for external access.
func (h *Handler) GetHub() *Hub {
	return h.hub
}
