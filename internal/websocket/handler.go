package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UserHeader carries the authenticated user id set by the gateway.
const UserHeader = "X-User-ID"

// Handler handles WebSocket connections
type Handler struct {
	hub *Hub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// UserID returns the caller's identity: the gateway header, or the user_id
// query parameter for browser clients that cannot set headers on upgrade.
func UserID(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}

// ServeWS handles WebSocket upgrade requests at /ws
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		http.Error(w, "user id required", http.StatusUnauthorized)
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("component", "websocket").WithError(err).Warn("upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, uuid.NewString(), userID, map[string]string{
		"remoteAddr": r.RemoteAddr,
		"userAgent":  r.UserAgent(),
	})
	h.hub.Register(client)

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump(h.hub.ctx)
}
